// Package workflow is the Console's Workflow evaluator (spec.md §4.E):
// DAG progression over workflow nodes and conditional edges, one
// process per running instance of a released workflow.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/internal/console/dispatch"
	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// Evaluator owns DAG progression. It registers itself as a
// dispatch.CompletionFunc so every flow-mode node's terminal frame
// feeds back into node activation without the Dispatcher knowing
// anything about workflows (spec.md §2, "Flow: ... Workflow (E)
// decides which node next").
type Evaluator struct {
	st   store.Store
	disp *dispatch.Dispatcher

	// scheduleToNode maps a live flow-mode schedule_id back to its
	// (process_id, node_id), since CompletionFunc only carries schedule_id.
	mu             sync.Mutex
	scheduleToNode map[string]nodeRef
}

type nodeRef struct {
	ProcessID string
	NodeID    string
}

func New(st store.Store, disp *dispatch.Dispatcher) *Evaluator {
	e := &Evaluator{st: st, disp: disp, scheduleToNode: make(map[string]nodeRef)}
	disp.OnComplete(e.onNodeComplete)
	return e
}

// StartProcess begins a new instance of workflowID's released version,
// snapshotting its graph immutably (invariant 4, spec.md §3) and
// activating every node with no inbound edges.
func (e *Evaluator) StartProcess(ctx context.Context, workflowID int64, processArgs string) error {
	wf, err := e.st.GetReleasedWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("no released workflow %d: %w", workflowID, err)
	}

	var graph model.WorkflowGraph
	if err := json.Unmarshal([]byte(wf.Nodes), &graph.Nodes); err != nil {
		return fmt.Errorf("malformed workflow nodes: %w", err)
	}
	var edges []model.WorkflowEdge
	if err := json.Unmarshal([]byte(wf.Edges), &edges); err != nil {
		return fmt.Errorf("malformed workflow edges: %w", err)
	}
	graph.Edges = edges

	graphJSON, _ := json.Marshal(graph)
	proc := &model.WorkflowProcess{
		ProcessID:     uuid.NewString(),
		WorkflowID:    wf.ID,
		WorkflowVer:   wf.Version,
		ProcessStatus: model.ProcessStart,
		ProcessArgs:   processArgs,
		Graph:         string(graphJSON),
	}
	if err := e.st.CreateWorkflowProcess(ctx, proc); err != nil {
		return fmt.Errorf("failed to create workflow_process: %w", err)
	}

	roots := rootNodes(graph)
	if len(roots) == 0 {
		log.WithField("workflow_id", workflowID).Warn("workflow: no root nodes, process ends immediately")
		proc.ProcessStatus = model.ProcessEnd
		return e.st.UpdateWorkflowProcess(ctx, proc)
	}

	proc.ProcessStatus = model.ProcessRunning
	if err := e.st.UpdateWorkflowProcess(ctx, proc); err != nil {
		return err
	}

	for _, n := range roots {
		e.activate(ctx, proc, graph, n)
	}
	return nil
}

// rootNodes returns every node with no inbound edge.
func rootNodes(graph model.WorkflowGraph) []model.WorkflowNode {
	hasInbound := make(map[string]bool)
	for _, edge := range graph.Edges {
		hasInbound[edge.To] = true
	}
	var roots []model.WorkflowNode
	for _, n := range graph.Nodes {
		if !hasInbound[n.NodeID] {
			roots = append(roots, n)
		}
	}
	return roots
}

// activate dispatches exec for one node and records scheduleToNode so
// its eventual completion can be routed back here.
func (e *Evaluator) activate(ctx context.Context, proc *model.WorkflowProcess, graph model.WorkflowGraph, n model.WorkflowNode) {
	job, err := e.st.GetJobByEid(ctx, n.Eid)
	if err != nil {
		log.WithError(err).WithField("eid", n.Eid).Error("workflow: unknown node eid")
		e.failProcess(ctx, proc)
		return
	}
	executor, err := e.st.GetExecutor(ctx, job.ExecutorID)
	if err != nil {
		log.WithError(err).WithField("eid", n.Eid).Error("workflow: unknown node executor")
		e.failProcess(ctx, proc)
		return
	}

	pn := &model.WorkflowProcessNode{
		ProcessID:  proc.ProcessID,
		NodeID:     n.NodeID,
		NodeStatus: model.NodeStart,
	}
	if err := e.st.UpsertWorkflowProcessNode(ctx, pn); err != nil {
		log.WithError(err).Error("workflow: failed to record node start")
	}

	sch := model.Schedule{
		ScheduleID:   uuid.NewString(),
		Eid:          n.Eid,
		Action:       model.ActionExec,
		ScheduleType: model.ScheduleFlow,
		RunID:        uuid.NewString(),
	}
	snap := model.Snapshot{Job: *job, Executor: *executor}
	if n.Args != "" {
		snap.Job.Args = n.Args
	}

	e.mu.Lock()
	e.scheduleToNode[sch.ScheduleID] = nodeRef{ProcessID: proc.ProcessID, NodeID: n.NodeID}
	e.mu.Unlock()

	pn.NodeStatus = model.NodeRunning
	pn.ScheduleID = sch.ScheduleID
	e.st.UpsertWorkflowProcessNode(ctx, pn)

	if _, err := e.disp.Exec(ctx, sch, snap, nil); err != nil {
		log.WithError(err).WithField("node_id", n.NodeID).Error("workflow: dispatch failed")
		e.failProcess(ctx, proc)
	}
}

// onNodeComplete is the dispatch.CompletionFunc: it resolves which
// process/node this schedule_id belongs to and progresses the DAG.
func (e *Evaluator) onNodeComplete(scheduleID, instanceID string, exitCode int, exitStatus model.ExitStatus, output string) {
	e.mu.Lock()
	ref, ok := e.scheduleToNode[scheduleID]
	if ok {
		delete(e.scheduleToNode, scheduleID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	proc, err := e.st.GetWorkflowProcess(ctx, ref.ProcessID)
	if err != nil {
		log.WithError(err).WithField("process_id", ref.ProcessID).Error("workflow: process vanished")
		return
	}

	pn := &model.WorkflowProcessNode{ProcessID: ref.ProcessID, NodeID: ref.NodeID, NodeStatus: model.NodeEnd, ExitCode: exitCode, ExitStatus: exitStatus, Output: output}
	if err := e.st.UpsertWorkflowProcessNode(ctx, pn); err != nil {
		log.WithError(err).Error("workflow: failed to record node end")
	}

	var graph model.WorkflowGraph
	if err := json.Unmarshal([]byte(proc.Graph), &graph); err != nil {
		log.WithError(err).Error("workflow: malformed process graph snapshot")
		return
	}

	e.advance(ctx, proc, graph, ref.NodeID, exitCode, exitStatus, output)
}

// advance evaluates every outgoing edge from nodeID, recording each
// traversal decision, then activates any downstream node whose join
// policy is satisfied.
func (e *Evaluator) advance(ctx context.Context, proc *model.WorkflowProcess, graph model.WorkflowGraph, nodeID string, exitCode int, exitStatus model.ExitStatus, output string) {
	var activated []string
	failureConsumed := false
	for _, edge := range graph.Edges {
		if edge.From != nodeID {
			continue
		}
		ok := edgeFires(edge, exitCode, exitStatus, output)
		e.st.CreateWorkflowProcessEdge(ctx, &model.WorkflowProcessEdge{ProcessID: proc.ProcessID, From: edge.From, To: edge.To, Activated: ok})
		if ok {
			activated = append(activated, edge.To)
			if edge.Type == model.EdgeOnFailure {
				failureConsumed = true
			}
		}
	}

	// spec.md §4.E: a node finishing non-zero marks the whole process
	// failed unless an on_failure edge fired for it.
	if exitStatus != model.ExitStatusSuccess && !failureConsumed {
		e.failProcess(ctx, proc)
	}

	if len(activated) == 0 && !hasOutgoing(graph, nodeID) {
		e.maybeEndProcess(ctx, proc)
		return
	}

	edgesByTarget := make(map[string][]model.WorkflowEdge)
	for _, edge := range graph.Edges {
		edgesByTarget[edge.To] = append(edgesByTarget[edge.To], edge)
	}

	for _, to := range activated {
		n := findNode(graph, to)
		if n == nil {
			continue
		}
		if !joinSatisfied(ctx, e.st, proc.ProcessID, *n, edgesByTarget[to]) {
			continue
		}
		e.activate(ctx, proc, graph, *n)
	}

	e.maybeEndProcess(ctx, proc)
}

func hasOutgoing(graph model.WorkflowGraph, nodeID string) bool {
	for _, edge := range graph.Edges {
		if edge.From == nodeID {
			return true
		}
	}
	return false
}

func findNode(graph model.WorkflowGraph, nodeID string) *model.WorkflowNode {
	for i := range graph.Nodes {
		if graph.Nodes[i].NodeID == nodeID {
			return &graph.Nodes[i]
		}
	}
	return nil
}

// joinSatisfied checks a node's join_policy against its inbound edges'
// recorded activation state so far (spec.md §3, "join policies").
func joinSatisfied(ctx context.Context, st store.Store, processID string, n model.WorkflowNode, inbound []model.WorkflowEdge) bool {
	if n.JoinPolicy == model.JoinAny || len(inbound) <= 1 {
		return true
	}

	nodes, err := st.ListWorkflowProcessNodes(ctx, processID)
	if err != nil {
		return false
	}
	ended := make(map[string]bool)
	for _, pn := range nodes {
		if pn.NodeStatus == model.NodeEnd {
			ended[pn.NodeID] = true
		}
	}
	for _, edge := range inbound {
		if !ended[edge.From] {
			return false
		}
	}
	return true
}

// edgeFires evaluates one edge's predicate (SPEC_FULL.md Open Question
// resolution 1): always / on_success / on_failure by exit_status, or
// eval by exit_code equality or an "output:" substring match.
func edgeFires(edge model.WorkflowEdge, exitCode int, exitStatus model.ExitStatus, output string) bool {
	switch edge.Type {
	case model.EdgeAlways:
		return true
	case model.EdgeOnSuccess:
		return exitStatus == model.ExitStatusSuccess
	case model.EdgeOnFailure:
		return exitStatus != model.ExitStatusSuccess
	case model.EdgeEval:
		if strings.HasPrefix(edge.EvalVal, "output:") {
			return strings.Contains(output, strings.TrimPrefix(edge.EvalVal, "output:"))
		}
		want, err := strconv.Atoi(edge.EvalVal)
		return err == nil && want == exitCode
	default:
		return false
	}
}

// maybeEndProcess ends proc once no node remains runnable (spec.md
// §4.E: "end_process when no runnable nodes remain and all active
// nodes have completed"). A branch that was never taken (e.g. an
// on_success edge that didn't fire) never gets a workflow_process_node
// row at all, so comparing against the full graph node count hangs the
// process forever in a branching DAG (scenario S6). Every node that
// could still be activated in the future is reachable only through a
// node that is currently active — advance already activates anything
// immediately activatable before calling this — so "no active rows
// remain" is exactly "no runnable nodes remain".
func (e *Evaluator) maybeEndProcess(ctx context.Context, proc *model.WorkflowProcess) {
	if proc.ProcessStatus == model.ProcessFailed {
		return
	}
	nodes, err := e.st.ListWorkflowProcessNodes(ctx, proc.ProcessID)
	if err != nil {
		return
	}
	for _, pn := range nodes {
		if pn.NodeStatus != model.NodeEnd {
			return
		}
	}
	proc.ProcessStatus = model.ProcessEnd
	if err := e.st.UpdateWorkflowProcess(ctx, proc); err != nil {
		log.WithError(err).Error("workflow: failed to mark process ended")
	}
}

// failProcess marks proc failed (spec.md §4.E); idempotent so a
// later-completing sibling node doesn't re-write an already-failed process.
func (e *Evaluator) failProcess(ctx context.Context, proc *model.WorkflowProcess) {
	if proc.ProcessStatus == model.ProcessFailed {
		return
	}
	proc.ProcessStatus = model.ProcessFailed
	if err := e.st.UpdateWorkflowProcess(ctx, proc); err != nil {
		log.WithError(err).Error("workflow: failed to mark process failed")
	}
}
