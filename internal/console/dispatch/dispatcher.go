package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/internal/console/index"
	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

// Dispatcher turns one Schedule into framed commands on every target's
// Comet link, then folds the synchronous accept/reject replies back
// into running_status and schedule_history (spec.md §4.C).
type Dispatcher struct {
	st   store.Store
	idx  *index.Index
	pool *Pool

	mu         sync.Mutex
	onComplete []CompletionFunc
}

// CompletionFunc is notified once a dispatched run reaches a terminal
// state, keyed by schedule_id since that is stable across the retry
// that shares it. The workflow evaluator (internal/console/workflow)
// registers one to drive DAG progression off flow-mode node runs.
type CompletionFunc func(scheduleID, instanceID string, exitCode int, exitStatus model.ExitStatus, output string)

func New(st store.Store, idx *index.Index) *Dispatcher {
	return &Dispatcher{st: st, idx: idx, pool: NewPool()}
}

// OnComplete registers fn to be called for every run this Dispatcher
// finalizes, across all schedule types.
func (d *Dispatcher) OnComplete(fn CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onComplete = append(d.onComplete, fn)
}

func (d *Dispatcher) notifyComplete(scheduleID, instanceID string, exitCode int, exitStatus model.ExitStatus, output string) {
	d.mu.Lock()
	fns := append([]CompletionFunc(nil), d.onComplete...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(scheduleID, instanceID, exitCode, exitStatus, output)
	}
}

// Result is one target's outcome, used both for the caller's immediate
// feedback and to build schedule_history.dispatch_result.
type Result struct {
	InstanceID string
	Accepted   bool
	Reason     string
}

// buildExecPayload resolves sch/snap/steps into the wire payload an
// exec dispatch sends, shared by the initial dispatch and every
// once-mode retry so a retry's payload is identical to the original
// except for schedule/run identity.
func buildExecPayload(sch model.Schedule, snap model.Snapshot, steps []protocol.BundleStep) protocol.ExecPayload {
	return protocol.ExecPayload{
		ScheduleID:    sch.ScheduleID,
		RunID:         sch.RunID,
		Eid:           sch.Eid,
		Executor:      snap.Executor.Command,
		ReadFromStdin: snap.Executor.ReadCodeFromStdin,
		Code:          snap.Job.Code,
		Args:          snap.Job.Args,
		WorkDir:       snap.Job.WorkDir,
		WorkUser:      snap.Job.WorkUser,
		TimeoutSecond: snap.Job.TimeoutSecond,
		MaxParallel:   snap.Job.MaxParallel,
		BundleSteps:   steps,
	}
}

// retryInfo carries what a once-mode retry needs to reissue an exec
// after a non-zero completion (spec.md §4.D's retry policy); nil for
// every dispatch that cannot retry (kill, and anything but
// schedule_type=once).
type retryInfo struct {
	snap  model.Snapshot
	steps []protocol.BundleStep
}

// Exec resolves sch's targets, dispatches an exec to each, and records
// the decision. snap is the immutable (job, executor) pair already
// resolved by the caller (schedule_history always carries a full
// snapshot, never a live join).
func (d *Dispatcher) Exec(ctx context.Context, sch model.Schedule, snap model.Snapshot, steps []protocol.BundleStep) ([]Result, error) {
	targets, err := resolveTargets(ctx, d.st, sch.TargetSelector)
	if err != nil {
		return nil, fmt.Errorf("failed resolving targets: %w", err)
	}

	payload := buildExecPayload(sch, snap, steps)

	results := d.fanOut(ctx, sch, targets, protocol.KindExec, payload, &retryInfo{snap: snap, steps: steps})
	if err := d.recordHistory(ctx, sch, snap, payload, targets, results); err != nil {
		log.WithError(err).Error("dispatch: failed to record schedule_history")
	}
	d.updateRunningStatus(ctx, sch, results)
	return results, nil
}

// retryOnceExec re-dispatches sch under the same schedule_id and a
// fresh run_id after the backoff for sch.Attempt, without writing a
// new schedule_history row: invariant 3 (spec.md §3) only requires a
// matching schedule_history row to exist, and the one written by the
// original Exec call already covers every retry that shares its
// schedule_id (spec.md §4.D, scenario S2).
func (d *Dispatcher) retryOnceExec(sch model.Schedule, info *retryInfo) {
	onceRetrySleep(onceRetryBackoff(sch.Attempt))

	next := sch
	next.RunID = uuid.NewString()
	next.Attempt = sch.Attempt + 1

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	targets, err := resolveTargets(ctx, d.st, next.TargetSelector)
	if err != nil {
		log.WithError(err).WithField("schedule_id", next.ScheduleID).Error("dispatch: once-retry failed resolving targets")
		return
	}

	payload := buildExecPayload(next, info.snap, info.steps)
	results := d.fanOut(ctx, next, targets, protocol.KindExec, payload, info)
	d.updateRunningStatus(ctx, next, results)
}

// shouldRetryOnce reports whether a completed run is eligible for a
// once-mode retry (spec.md §4.D): only schedule_type=once, only on
// non-zero exit, and only while attempts remain under max_retry.
func shouldRetryOnce(sch model.Schedule, exitCode, maxRetry int) bool {
	return sch.ScheduleType == model.ScheduleOnce && exitCode != 0 && sch.Attempt < maxRetry
}

// onceRetrySleep is swapped out in tests so a retry's backoff does not
// actually block the test for real wall-clock time.
var onceRetrySleep = time.Sleep

// onceRetryBackoff mirrors the daemon backoff formula (spec.md §4.D:
// base 2s, doubling, capped at 60s) since the once-mode retry policy
// names the same shape ("dispatch is re-issued after backoff").
func onceRetryBackoff(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 0; i < attempt && d < 60*time.Second; i++ {
		d *= 2
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// Kill dispatches a kill to every target; an empty sch.RunID kills every
// live process for (eid, instance) on that target (spec.md §4.C).
func (d *Dispatcher) Kill(ctx context.Context, sch model.Schedule) ([]Result, error) {
	targets, err := resolveTargets(ctx, d.st, sch.TargetSelector)
	if err != nil {
		return nil, fmt.Errorf("failed resolving targets: %w", err)
	}

	payload := protocol.KillPayload{ScheduleID: sch.ScheduleID, Eid: sch.Eid, RunID: sch.RunID}
	results := d.fanOut(ctx, sch, targets, protocol.KindKill, payload, nil)
	d.stopScheduleStatus(ctx, sch, results)
	return results, nil
}

// stopScheduleStatus marks running_status.schedule_status=stop for
// every target a kill reached (spec.md §4.D kill propagation,
// scenario S4). The eventual completed(killed) frame separately sets
// run_status=stop/exit_status=killed via finishRunningStatus; without
// schedule_status=stop too, the scheduler's fireDaemon would see the
// stopped run and immediately resurrect a killed daemon.
func (d *Dispatcher) stopScheduleStatus(ctx context.Context, sch model.Schedule, results []Result) {
	for _, r := range results {
		if !r.Accepted {
			continue
		}
		rs, err := d.st.GetRunningStatus(ctx, sch.Eid, sch.ScheduleType, r.InstanceID)
		if err != nil || rs == nil {
			continue
		}
		rs.ScheduleStatus = model.ScheduleStatusStop
		if err := d.st.UpsertRunningStatus(ctx, rs); err != nil {
			log.WithError(err).Error("dispatch: failed to stop schedule_status on kill")
		}
	}
}

// fanOutSlots caps per-target dispatches in flight across the process
// at 1024 (spec.md §5).
var fanOutSlots = make(chan struct{}, 1024)

func (d *Dispatcher) fanOut(ctx context.Context, sch model.Schedule, targets []*model.Instance, kind protocol.Kind, payload interface{}, retry *retryInfo) []Result {
	type outcome struct {
		idx int
		res Result
	}

	ch := make(chan outcome, len(targets))
	for i, inst := range targets {
		go func(i int, inst *model.Instance) {
			fanOutSlots <- struct{}{}
			defer func() { <-fanOutSlots }()
			ch <- outcome{i, d.dispatchOne(ctx, sch, inst, kind, payload, retry)}
		}(i, inst)
	}

	results := make([]Result, len(targets))
	for range targets {
		o := <-ch
		results[o.idx] = o.res
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sch model.Schedule, inst *model.Instance, kind protocol.Kind, payload interface{}, retry *retryInfo) Result {
	cometID, err := d.idx.GetRoute(ctx, inst.InstanceID)
	if err != nil || cometID == "" {
		return Result{InstanceID: inst.InstanceID, Accepted: false, Reason: protocol.ReasonNotConnected}
	}

	client, err := d.pool.Get(ctx, cometID)
	if err != nil {
		return Result{InstanceID: inst.InstanceID, Accepted: false, Reason: protocol.ReasonLinkClosed}
	}

	corrID := uuid.NewString()
	sub, unsubscribe := client.Subscribe(corrID)

	frame, err := protocol.Encode(kind, corrID, inst.InstanceID, payload)
	if err != nil {
		unsubscribe()
		return Result{InstanceID: inst.InstanceID, Accepted: false, Reason: "encode_failed"}
	}

	if !client.Send(frame) {
		unsubscribe()
		d.pool.Drop(cometID)
		return Result{InstanceID: inst.InstanceID, Accepted: false, Reason: protocol.ReasonLinkClosed}
	}

	res := awaitAck(sub, inst.InstanceID, kind)
	if res.Accepted {
		go d.streamRun(client, sub, unsubscribe, sch, inst.InstanceID, retry)
	} else {
		unsubscribe()
	}
	return res
}

func awaitAck(sub <-chan protocol.Frame, instanceID string, requestKind protocol.Kind) Result {
	timer := time.NewTimer(acceptTimeout)
	defer timer.Stop()

	for {
		select {
		case f := <-sub:
			switch {
			case f.Kind == requestKind && requestKind == protocol.KindKill:
				var killAck protocol.KillAck
				f.Decode(&killAck)
				return Result{InstanceID: instanceID, Accepted: true}
			case f.Kind == requestKind:
				var ack protocol.ExecAck
				f.Decode(&ack)
				return Result{InstanceID: instanceID, Accepted: ack.Accepted, Reason: ack.Reason}
			case f.Kind == protocol.KindDispatchFailed:
				var failed protocol.DispatchFailedPayload
				f.Decode(&failed)
				return Result{InstanceID: instanceID, Accepted: false, Reason: failed.Reason}
			default:
				// stray frame for this correlation id, keep waiting
				continue
			}
		case <-timer.C:
			return Result{InstanceID: instanceID, Accepted: false, Reason: "accept_timeout"}
		}
	}
}

// streamRun keeps listening on the same correlation id for output and
// completed frames once a run is accepted, finalizing exec_history on
// completion (spec.md §4.C, "subsequent output frames stream into the
// exec-history row").
func (d *Dispatcher) streamRun(client *CometClient, sub <-chan protocol.Frame, unsubscribe func(), sch model.Schedule, instanceID string, retry *retryInfo) {
	defer unsubscribe()
	var output []byte

	for f := range sub {
		switch f.Kind {
		case protocol.KindOutput:
			var out protocol.OutputPayload
			if err := f.Decode(&out); err == nil {
				output = append(output, out.Chunk...)
			}
		case protocol.KindCompleted:
			var done protocol.CompletedPayload
			if err := f.Decode(&done); err != nil {
				log.WithError(err).Error("dispatch: malformed completed frame")
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if done.BundleResults != nil {
				if raw, err := json.Marshal(done.BundleResults); err == nil {
					output = raw
				}
			}
			if err := d.st.FinalizeExecHistory(ctx, sch.ScheduleID, instanceID, done.RunID, done.ExitCode, model.ExitStatus(done.ExitStatus), string(output), done.Truncated); err != nil {
				log.WithError(err).Error("dispatch: failed to finalize exec_history")
			}
			d.finishRunningStatus(ctx, sch, instanceID, model.ExitStatus(done.ExitStatus), done.ExitCode)
			d.notifyComplete(sch.ScheduleID, instanceID, done.ExitCode, model.ExitStatus(done.ExitStatus), string(output))

			if retry != nil && shouldRetryOnce(sch, done.ExitCode, retry.snap.Job.MaxRetry) {
				go d.retryOnceExec(sch, retry)
			}
			return
		case protocol.KindDispatchFailed:
			// link died mid-run; mark the exec history row lost rather
			// than leaving it open forever.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.st.FinalizeExecHistory(ctx, sch.ScheduleID, instanceID, sch.RunID, -1, model.ExitStatusLost, string(output), false)
			d.finishRunningStatus(ctx, sch, instanceID, model.ExitStatusLost, -1)
			cancel()
			d.notifyComplete(sch.ScheduleID, instanceID, -1, model.ExitStatusLost, string(output))
			return
		}
	}
}

// replayEnvelope is schedule_history.dispatch_data's shape: the exact
// wire payload plus the resolved target set, so Replay can redispatch
// byte-for-byte without re-resolving a selector that may have since
// changed membership.
type replayEnvelope struct {
	Payload     protocol.ExecPayload `json:"payload"`
	InstanceIDs []string              `json:"instance_ids"`
}

func (d *Dispatcher) recordHistory(ctx context.Context, sch model.Schedule, snap model.Snapshot, payload protocol.ExecPayload, targets []*model.Instance, results []Result) error {
	dispatchResult := make(map[string]string, len(results))
	for _, r := range results {
		switch {
		case r.Accepted:
			dispatchResult[r.InstanceID] = "accepted"
		case r.Reason == protocol.ReasonNotConnected, r.Reason == protocol.ReasonLinkClosed:
			// the dispatch never reached Comet/Agent at all, so it is
			// recorded as dispatch_failed rather than a rejection the
			// target itself made (spec.md §5, scenario S5).
			dispatchResult[r.InstanceID] = fmt.Sprintf("dispatch_failed(%s)", r.Reason)
		default:
			dispatchResult[r.InstanceID] = fmt.Sprintf("rejected(%s)", r.Reason)
		}
	}
	drJSON, _ := json.Marshal(dispatchResult)
	snapJSON, _ := json.Marshal(snap)

	instanceIDs := make([]string, len(targets))
	for i, t := range targets {
		instanceIDs[i] = t.InstanceID
	}
	ddJSON, _ := json.Marshal(replayEnvelope{Payload: payload, InstanceIDs: instanceIDs})

	h := &model.ScheduleHistory{
		ScheduleID:     sch.ScheduleID,
		Eid:            sch.Eid,
		Action:         sch.Action,
		ScheduleType:   sch.ScheduleType,
		DispatchResult: string(drJSON),
		DispatchData:   string(ddJSON),
		SnapshotData:   string(snapJSON),
	}
	return d.st.CreateScheduleHistory(ctx, h)
}

// updateRunningStatus upserts running_status for every accepted target
// and creates the open exec_history row for its run. Rejected targets
// are left untouched so a still-live prior run's row is never
// clobbered (spec.md S3, the parallel_limit scenario).
func (d *Dispatcher) updateRunningStatus(ctx context.Context, sch model.Schedule, results []Result) {
	now := time.Now()
	for _, r := range results {
		if !r.Accepted {
			continue
		}
		rs := &model.RunningStatus{
			Eid:            sch.Eid,
			ScheduleType:   sch.ScheduleType,
			InstanceID:     r.InstanceID,
			ScheduleStatus: model.ScheduleStatusScheduling,
			RunStatus:      model.RunStatusRunning,
			StartTime:      now,
			ScheduleID:     sch.ScheduleID,
			RunID:          sch.RunID,
		}
		if err := d.st.UpsertRunningStatus(ctx, rs); err != nil {
			log.WithError(err).Error("dispatch: failed to upsert running_status")
		}

		eh := &model.ExecHistory{
			ScheduleID: sch.ScheduleID,
			Eid:        sch.Eid,
			InstanceID: r.InstanceID,
			RunID:      sch.RunID,
			StartTime:  now,
		}
		if err := d.st.CreateExecHistory(ctx, eh); err != nil {
			log.WithError(err).Error("dispatch: failed to create exec_history")
		}
	}
}

// Reconcile implements spec.md §4.F's mandatory startup reconciliation:
// for every running_status row still claiming run_status=running,
// probe whether its instance still has a live route to a Comet. A run
// whose Comet link died while no Console was watching can never send
// its own completed/dispatch_failed frame, so without this pass it
// would stay "running" forever; it is marked lost in its place.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	running, err := d.st.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: failed listing running_status: %w", err)
	}

	for _, rs := range running {
		if rs.RunStatus != model.RunStatusRunning {
			continue
		}
		cometID, err := d.idx.GetRoute(ctx, rs.InstanceID)
		if err != nil {
			log.WithError(err).WithField("instance_id", rs.InstanceID).Warn("reconcile: failed probing route")
			continue
		}
		if cometID != "" {
			continue
		}
		d.markLost(ctx, rs)
	}
	return nil
}

// markLost finalizes one orphaned running_status/exec_history pair as
// lost (spec.md §7's "lost" error kind, reconciliation).
func (d *Dispatcher) markLost(ctx context.Context, rs *model.RunningStatus) {
	if rs.ScheduleID != "" && rs.RunID != "" {
		if err := d.st.FinalizeExecHistory(ctx, rs.ScheduleID, rs.InstanceID, rs.RunID, -1, model.ExitStatusLost, "", false); err != nil {
			log.WithError(err).Error("reconcile: failed to finalize exec_history as lost")
		}
	}

	now := time.Now()
	rs.RunStatus = model.RunStatusStop
	rs.ExitStatus = model.ExitStatusLost
	rs.ExitCode = -1
	rs.EndTime = &now
	if err := d.st.UpsertRunningStatus(ctx, rs); err != nil {
		log.WithError(err).Error("reconcile: failed to mark running_status lost")
		return
	}

	if rs.ScheduleID != "" {
		d.notifyComplete(rs.ScheduleID, rs.InstanceID, -1, model.ExitStatusLost, "")
	}
}

func (d *Dispatcher) finishRunningStatus(ctx context.Context, sch model.Schedule, instanceID string, exitStatus model.ExitStatus, exitCode int) {
	rs, err := d.st.GetRunningStatus(ctx, sch.Eid, sch.ScheduleType, instanceID)
	if err != nil || rs == nil {
		return
	}
	now := time.Now()
	rs.RunStatus = model.RunStatusStop
	rs.ExitStatus = exitStatus
	rs.ExitCode = exitCode
	rs.EndTime = &now
	if err := d.st.UpsertRunningStatus(ctx, rs); err != nil {
		log.WithError(err).Error("dispatch: failed to finalize running_status")
	}
}
