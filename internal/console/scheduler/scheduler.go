// Package scheduler is the Console's Scheduler engine (spec.md §4.D):
// it decides when each timer fires and which action to dispatch. The
// Run loop is grounded on the teacher's select{ctx.Done, event channel}
// shape (internal/master/scheduler/scheduler.go), replacing its
// etcd-watch event source with a polling wheel driven by
// robfig/cron/v3's parser, since fire events must be correlated with
// leader-election state and rehydrated on restart (SPEC_FULL.md §4.D).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/internal/console/dispatch"
	"github.com/jiascheduler/jiascheduler/internal/console/index"
	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

const tickInterval = 1 * time.Second

// WorkflowStarter is the hook into the workflow evaluator (spec.md
// §4.E); the Scheduler only needs to be able to kick a process off for
// schedule_type=flow, never to drive DAG progression itself.
type WorkflowStarter interface {
	StartProcess(ctx context.Context, workflowID int64, args string) error
}

// Scheduler evaluates every schedule_status=scheduling timer on each
// tick while this Console instance holds the leader lease.
type Scheduler struct {
	st       store.Store
	disp     *dispatch.Dispatcher
	leader   *index.Leader
	workflow WorkflowStarter
	parser   cron.Parser

	mu       sync.Mutex
	nextFire map[int64]time.Time
	backoff  map[int64]*daemonBackoff
}

type daemonBackoff struct {
	attempt int
	nextTry time.Time
}

func New(st store.Store, disp *dispatch.Dispatcher, leader *index.Leader, workflow WorkflowStarter) *Scheduler {
	return &Scheduler{
		st:       st,
		disp:     disp,
		leader:   leader,
		workflow: workflow,
		parser:   cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		nextFire: make(map[int64]time.Time),
		backoff:  make(map[int64]*daemonBackoff),
	}
}

// Run drives the wheel until ctx is cancelled. It only evaluates
// timers while leader reports this process as the current holder;
// followers idle (spec.md §9, "a single Console instance holds the
// scheduler lease").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	isLeader := false
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-s.leader.Changes():
			isLeader = v
			if isLeader {
				s.reconcile(ctx)
				s.rehydrate(ctx)
			}
		case <-ticker.C:
			if isLeader {
				s.tick(ctx)
			}
		}
	}
}

// rehydrate recomputes next-fire for every active timer on acquiring
// leadership, per spec.md §4.D: "on Console restart, all
// schedule_status=scheduling timers are rehydrated."
func (s *Scheduler) rehydrate(ctx context.Context) {
	timers, err := s.st.ListActiveTimers(ctx)
	if err != nil {
		log.WithError(err).Error("scheduler: failed to list active timers on rehydrate")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, t := range timers {
		sched, err := s.parseSchedule(t)
		if err != nil {
			log.WithError(err).WithField("timer_id", t.ID).Warn("scheduler: invalid cron, stopping timer")
			s.stopTimer(ctx, t)
			continue
		}
		// Missed fires during downtime are not replayed: Next(now) is
		// the first fire after now, so no catch-up fire is made for the
		// backlog of missed ticks.
		s.nextFire[t.ID] = sched.Next(now)
	}
}

// reconcile runs the Dispatcher's startup reconciliation pass (spec.md
// §4.F) once per leader acquisition, before rehydrate recomputes
// next-fire: a run whose Comet died while no Console held the lease
// must be marked lost before the wheel starts evaluating timers again.
func (s *Scheduler) reconcile(ctx context.Context) {
	if err := s.disp.Reconcile(ctx); err != nil {
		log.WithError(err).Error("scheduler: failed to reconcile running_status on leader acquisition")
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	timers, err := s.st.ListActiveTimers(ctx)
	if err != nil {
		log.WithError(err).Error("scheduler: failed to list active timers")
		return
	}

	now := time.Now()
	for _, t := range timers {
		s.mu.Lock()
		due, known := s.nextFire[t.ID]
		s.mu.Unlock()

		if !known {
			sched, err := s.parseSchedule(t)
			if err != nil {
				log.WithError(err).WithField("timer_id", t.ID).Warn("scheduler: invalid cron, stopping timer")
				s.stopTimer(ctx, t)
				continue
			}
			s.mu.Lock()
			s.nextFire[t.ID] = sched.Next(now)
			s.mu.Unlock()
			continue
		}

		if now.Before(due) {
			continue
		}

		s.fire(ctx, t)

		sched, err := s.parseSchedule(t)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.nextFire[t.ID] = sched.Next(now)
		s.mu.Unlock()
	}
}

func (s *Scheduler) parseSchedule(t *model.Timer) (cron.Schedule, error) {
	var expr model.TimerExprV1
	if err := json.Unmarshal([]byte(t.TimerExpr), &expr); err != nil {
		return nil, fmt.Errorf("malformed timer_expr: %w", err)
	}
	if expr.V != model.TimerExprVersion {
		return nil, fmt.Errorf("unsupported timer_expr version %d", expr.V)
	}
	spec := fmt.Sprintf("%s %s %s %s %s %s", expr.Sec, expr.Min, expr.Hour, expr.Dom, expr.Mon, expr.Dow)
	return s.parser.Parse(spec)
}

func (s *Scheduler) stopTimer(ctx context.Context, t *model.Timer) {
	t.ScheduleStatus = model.ScheduleStatusStop
	if err := s.st.UpsertTimer(ctx, t); err != nil {
		log.WithError(err).WithField("timer_id", t.ID).Error("scheduler: failed to persist stopped timer")
	}
}

// fire dispatches the action appropriate to the timer's mode (spec.md
// §4.D): timer fires a fresh exec each tick; daemon re-issues exec only
// once the prior run has stopped, with exponential backoff per
// continuous-run cycle; flow hands off to the workflow evaluator and
// never dispatches directly.
func (s *Scheduler) fire(ctx context.Context, t *model.Timer) {
	var expr model.TimerExprV1
	if err := json.Unmarshal([]byte(t.TimerExpr), &expr); err != nil {
		return
	}

	var selector model.TargetSelector
	if t.TargetSelector != "" {
		if err := json.Unmarshal([]byte(t.TargetSelector), &selector); err != nil {
			log.WithError(err).WithField("timer_id", t.ID).Warn("scheduler: malformed target_selector")
			return
		}
	}

	switch expr.Mode {
	case "flow":
		// flow mode: the timer's Eid column names a workflow id encoded
		// as a string; the evaluator owns all further dispatch.
		var workflowID int64
		fmt.Sscanf(t.Eid, "%d", &workflowID)
		if err := s.workflow.StartProcess(ctx, workflowID, ""); err != nil {
			log.WithError(err).WithField("timer_id", t.ID).Error("scheduler: failed to start workflow process")
		}
		return
	case "daemon":
		s.fireDaemon(ctx, t, selector)
		return
	default:
		s.dispatchExec(ctx, t, selector, model.ScheduleTimer, 0)
	}
}

func (s *Scheduler) fireDaemon(ctx context.Context, t *model.Timer, selector model.TargetSelector) {
	job, err := s.st.GetJobByEid(ctx, t.Eid)
	if err != nil {
		log.WithError(err).WithField("eid", t.Eid).Error("scheduler: unknown eid, stopping timer")
		s.stopTimer(ctx, t)
		return
	}

	// Only re-issue exec for targets whose prior run has stopped; a
	// live daemon run is left alone, and a user kill (schedule_status=
	// stop, set by Dispatcher.Kill) must not be resurrected either.
	live := false
	for _, instID := range targetInstanceIDs(ctx, s.st, selector) {
		rs, err := s.st.GetRunningStatus(ctx, t.Eid, model.ScheduleDaemon, instID)
		if err == nil && rs != nil && (rs.RunStatus == model.RunStatusRunning || rs.ScheduleStatus == model.ScheduleStatusStop) {
			live = true
		}
	}
	if live {
		return
	}

	s.mu.Lock()
	bo, ok := s.backoff[t.ID]
	if !ok {
		bo = &daemonBackoff{}
		s.backoff[t.ID] = bo
	}
	ready := bo.nextTry.IsZero() || !time.Now().Before(bo.nextTry)
	s.mu.Unlock()
	if !ready {
		return
	}
	if bo.attempt >= job.MaxRetry && job.MaxRetry > 0 {
		log.WithField("eid", t.Eid).Warn("scheduler: daemon exceeded max_retry, stopping timer")
		s.stopTimer(ctx, t)
		return
	}

	s.dispatchExec(ctx, t, selector, model.ScheduleDaemon, bo.attempt)

	s.mu.Lock()
	bo.attempt++
	delay := backoffDelay(bo.attempt)
	bo.nextTry = time.Now().Add(delay)
	s.mu.Unlock()
}

// backoffDelay implements spec.md §4.D's daemon retry policy: base 2s,
// doubling, capped at 60s.
func backoffDelay(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 0; i < attempt && d < 60*time.Second; i++ {
		d *= 2
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func (s *Scheduler) dispatchExec(ctx context.Context, t *model.Timer, selector model.TargetSelector, scheduleType model.ScheduleType, attempt int) {
	job, err := s.st.GetJobByEid(ctx, t.Eid)
	if err != nil {
		log.WithError(err).WithField("eid", t.Eid).Error("scheduler: unknown eid, stopping timer")
		s.stopTimer(ctx, t)
		return
	}
	executor, err := s.st.GetExecutor(ctx, job.ExecutorID)
	if err != nil {
		log.WithError(err).WithField("eid", t.Eid).Error("scheduler: unknown executor, stopping timer")
		s.stopTimer(ctx, t)
		return
	}

	sch := model.Schedule{
		ScheduleID:     uuid.NewString(),
		Eid:            t.Eid,
		Action:         model.ActionExec,
		ScheduleType:   scheduleType,
		TargetSelector: selector,
		RunID:          uuid.NewString(),
		Attempt:        attempt,
	}
	snap := model.Snapshot{Job: *job, Executor: *executor}

	if _, err := s.disp.Exec(ctx, sch, snap, bundleSteps(ctx, s.st, job)); err != nil {
		log.WithError(err).WithField("eid", t.Eid).Error("scheduler: dispatch failed")
	}
}
