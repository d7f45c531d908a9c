// Package store is the Console's durable relational layer (spec.md §4.F).
// The Store interface follows the shape of the teacher's
// pkg/store.Store: a small set of typed operations any backend can
// satisfy, injected into the Scheduler/Dispatcher/Workflow evaluator.
package store

import (
	"context"

	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// Store is everything the Console's scheduling core needs from the
// relational store. The only production implementation is *MySQLStore.
type Store interface {
	// Executors / Jobs
	GetExecutor(ctx context.Context, id int64) (*model.Executor, error)
	GetJobByEid(ctx context.Context, eid string) (*model.Job, error)
	ListJobsByTeam(ctx context.Context, teamID int64, includePublic bool) ([]*model.Job, error)

	// Instances
	GetInstance(ctx context.Context, instanceID string) (*model.Instance, error)
	GetInstanceByMacIP(ctx context.Context, macAddr, ip string) (*model.Instance, error)
	ListInstancesByIDs(ctx context.Context, instanceIDs []string) ([]*model.Instance, error)
	ListInstancesByGroup(ctx context.Context, groupID int64) ([]*model.Instance, error)
	ListInstancesByNamespace(ctx context.Context, namespace string) ([]*model.Instance, error)
	UpsertInstance(ctx context.Context, inst *model.Instance) error
	MarkInstanceStatus(ctx context.Context, instanceID string, status model.InstanceStatus) error

	// Timers
	ListActiveTimers(ctx context.Context) ([]*model.Timer, error)
	UpsertTimer(ctx context.Context, t *model.Timer) error

	// Running status (invariant 2: at most one row per key)
	GetRunningStatus(ctx context.Context, eid string, scheduleType model.ScheduleType, instanceID string) (*model.RunningStatus, error)
	UpsertRunningStatus(ctx context.Context, rs *model.RunningStatus) error
	ListRunningByScheduleType(ctx context.Context, scheduleType model.ScheduleType) ([]*model.RunningStatus, error)
	ListRunning(ctx context.Context) ([]*model.RunningStatus, error)

	// History (append-only)
	CreateScheduleHistory(ctx context.Context, h *model.ScheduleHistory) error
	GetScheduleHistory(ctx context.Context, scheduleID string) (*model.ScheduleHistory, error)
	CreateExecHistory(ctx context.Context, h *model.ExecHistory) error
	FinalizeExecHistory(ctx context.Context, scheduleID, instanceID, runID string, exitCode int, exitStatus model.ExitStatus, output string, truncated bool) error

	// Workflow
	GetReleasedWorkflow(ctx context.Context, workflowID int64) (*model.Workflow, error)
	CreateWorkflowProcess(ctx context.Context, p *model.WorkflowProcess) error
	UpdateWorkflowProcess(ctx context.Context, p *model.WorkflowProcess) error
	GetWorkflowProcess(ctx context.Context, processID string) (*model.WorkflowProcess, error)
	UpsertWorkflowProcessNode(ctx context.Context, n *model.WorkflowProcessNode) error
	ListWorkflowProcessNodes(ctx context.Context, processID string) ([]*model.WorkflowProcessNode, error)
	CreateWorkflowProcessEdge(ctx context.Context, e *model.WorkflowProcessEdge) error
}
