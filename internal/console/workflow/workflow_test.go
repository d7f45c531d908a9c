package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// fakeProcessStore embeds store.Store so each test only implements the
// methods its scenario exercises; anything else panics if reached.
type fakeProcessStore struct {
	store.Store
	proc  *model.WorkflowProcess
	nodes []*model.WorkflowProcessNode
	edges []*model.WorkflowProcessEdge
}

func (f *fakeProcessStore) GetWorkflowProcess(ctx context.Context, processID string) (*model.WorkflowProcess, error) {
	return f.proc, nil
}

func (f *fakeProcessStore) UpdateWorkflowProcess(ctx context.Context, p *model.WorkflowProcess) error {
	f.proc = p
	return nil
}

func (f *fakeProcessStore) ListWorkflowProcessNodes(ctx context.Context, processID string) ([]*model.WorkflowProcessNode, error) {
	return f.nodes, nil
}

func (f *fakeProcessStore) UpsertWorkflowProcessNode(ctx context.Context, n *model.WorkflowProcessNode) error {
	for i, pn := range f.nodes {
		if pn.NodeID == n.NodeID {
			f.nodes[i] = n
			return nil
		}
	}
	f.nodes = append(f.nodes, n)
	return nil
}

func (f *fakeProcessStore) CreateWorkflowProcessEdge(ctx context.Context, e *model.WorkflowProcessEdge) error {
	f.edges = append(f.edges, e)
	return nil
}

func TestEdgeFires(t *testing.T) {
	cases := []struct {
		name       string
		edge       model.WorkflowEdge
		exitCode   int
		exitStatus model.ExitStatus
		output     string
		want       bool
	}{
		{"always fires regardless of outcome", model.WorkflowEdge{Type: model.EdgeAlways}, 1, model.ExitStatusFailed, "", true},
		{"on_success fires on success", model.WorkflowEdge{Type: model.EdgeOnSuccess}, 0, model.ExitStatusSuccess, "", true},
		{"on_success skips on failure", model.WorkflowEdge{Type: model.EdgeOnSuccess}, 1, model.ExitStatusFailed, "", false},
		{"on_failure fires on non-success", model.WorkflowEdge{Type: model.EdgeOnFailure}, 1, model.ExitStatusFailed, "", true},
		{"on_failure skips on success", model.WorkflowEdge{Type: model.EdgeOnFailure}, 0, model.ExitStatusSuccess, "", false},
		{"eval matches exit code", model.WorkflowEdge{Type: model.EdgeEval, EvalVal: "7"}, 7, model.ExitStatusFailed, "", true},
		{"eval rejects mismatched exit code", model.WorkflowEdge{Type: model.EdgeEval, EvalVal: "7"}, 1, model.ExitStatusFailed, "", false},
		{"eval matches output substring", model.WorkflowEdge{Type: model.EdgeEval, EvalVal: "output:ready"}, 0, model.ExitStatusSuccess, "service is ready now", true},
		{"eval rejects missing output substring", model.WorkflowEdge{Type: model.EdgeEval, EvalVal: "output:ready"}, 0, model.ExitStatusSuccess, "still starting", false},
		{"unknown edge type never fires", model.WorkflowEdge{Type: "bogus"}, 0, model.ExitStatusSuccess, "", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, edgeFires(c.edge, c.exitCode, c.exitStatus, c.output))
		})
	}
}

func TestRootNodes_OnlyNodesWithoutInboundEdges(t *testing.T) {
	graph := model.WorkflowGraph{
		Nodes: []model.WorkflowNode{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}},
		Edges: []model.WorkflowEdge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	roots := rootNodes(graph)
	assert.Len(t, roots, 1)
	assert.Equal(t, "a", roots[0].NodeID)
}

// TestAdvance_MarksProcessFailedWhenNoOnFailureEdgeConsumesIt exercises
// spec.md §4.E's failure rule directly: a leaf node exiting non-zero
// with no outgoing on_failure edge to consume it fails the process.
func TestAdvance_MarksProcessFailedWhenNoOnFailureEdgeConsumesIt(t *testing.T) {
	graph := model.WorkflowGraph{
		Nodes: []model.WorkflowNode{{NodeID: "a"}},
	}
	proc := &model.WorkflowProcess{ProcessID: "p1", ProcessStatus: model.ProcessRunning}
	st := &fakeProcessStore{
		proc:  proc,
		nodes: []*model.WorkflowProcessNode{{ProcessID: "p1", NodeID: "a", NodeStatus: model.NodeEnd}},
	}
	e := &Evaluator{st: st, scheduleToNode: make(map[string]nodeRef)}

	e.advance(context.Background(), proc, graph, "a", 1, model.ExitStatusFailed, "")

	require.Equal(t, model.ProcessFailed, st.proc.ProcessStatus)
}

// TestAdvance_OnFailureEdgeConsumesFailure mirrors testable property S6:
// an on_failure edge firing for the non-zero node means the process is
// not marked failed, even though the node itself exited non-zero.
func TestAdvance_OnFailureEdgeConsumesFailure(t *testing.T) {
	graph := model.WorkflowGraph{
		Nodes: []model.WorkflowNode{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c", JoinPolicy: model.JoinAll}, {NodeID: "x"}},
		Edges: []model.WorkflowEdge{
			{From: "a", To: "b", Type: model.EdgeOnSuccess},
			{From: "a", To: "c", Type: model.EdgeOnFailure},
			{From: "x", To: "c", Type: model.EdgeAlways},
		},
	}
	proc := &model.WorkflowProcess{ProcessID: "p2", ProcessStatus: model.ProcessRunning}
	st := &fakeProcessStore{
		proc: proc,
		// x is a still-running sibling root blocking c's join=all; it
		// has its own row because activate() ran for it at process
		// start, unlike b which was never taken.
		nodes: []*model.WorkflowProcessNode{
			{ProcessID: "p2", NodeID: "a", NodeStatus: model.NodeEnd},
			{ProcessID: "p2", NodeID: "x", NodeStatus: model.NodeRunning},
		},
	}
	e := &Evaluator{st: st, scheduleToNode: make(map[string]nodeRef)}

	e.advance(context.Background(), proc, graph, "a", 1, model.ExitStatusFailed, "")

	assert.Equal(t, model.ProcessRunning, st.proc.ProcessStatus, "on_failure edge consumed the failure; process must stay running")
}

// TestMaybeEndProcess_EndsOnlyWhenNoActiveNodeRemains mirrors scenario
// S6: b was never taken (no on_success firing), so it never gets a
// workflow_process_node row; the process must still end once every
// node that was actually activated (a, c) has ended, without waiting
// on b.
func TestMaybeEndProcess_EndsOnlyWhenNoActiveNodeRemains(t *testing.T) {
	proc := &model.WorkflowProcess{ProcessID: "p4", ProcessStatus: model.ProcessRunning}
	st := &fakeProcessStore{
		proc: proc,
		nodes: []*model.WorkflowProcessNode{
			{ProcessID: "p4", NodeID: "a", NodeStatus: model.NodeEnd},
			{ProcessID: "p4", NodeID: "c", NodeStatus: model.NodeRunning},
		},
	}
	e := &Evaluator{st: st, scheduleToNode: make(map[string]nodeRef)}

	e.maybeEndProcess(context.Background(), proc)
	assert.Equal(t, model.ProcessRunning, st.proc.ProcessStatus, "c is still running, process must not end yet")

	st.nodes[1].NodeStatus = model.NodeEnd
	e.maybeEndProcess(context.Background(), proc)
	assert.Equal(t, model.ProcessEnd, st.proc.ProcessStatus)
}

// TestMaybeEndProcess_DoesNotOverwriteAlreadyFailedProcess guards the
// idempotency of failProcess/maybeEndProcess: once a process is failed,
// a later-completing sibling node finishing the graph must not flip it
// back to end_process.
func TestMaybeEndProcess_DoesNotOverwriteAlreadyFailedProcess(t *testing.T) {
	proc := &model.WorkflowProcess{ProcessID: "p3", ProcessStatus: model.ProcessFailed}
	st := &fakeProcessStore{
		proc: proc,
		nodes: []*model.WorkflowProcessNode{
			{ProcessID: "p3", NodeID: "a", NodeStatus: model.NodeEnd},
			{ProcessID: "p3", NodeID: "b", NodeStatus: model.NodeEnd},
		},
	}
	e := &Evaluator{st: st, scheduleToNode: make(map[string]nodeRef)}

	e.maybeEndProcess(context.Background(), proc)

	assert.Equal(t, model.ProcessFailed, st.proc.ProcessStatus)
}
