package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/jiascheduler/pkg/model"
	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

func TestAwaitAck_ExecAcceptedAndRejected(t *testing.T) {
	sub := make(chan protocol.Frame, 1)
	f, err := protocol.Encode(protocol.KindExec, "corr-1", "i1", protocol.ExecAck{Accepted: true})
	require.NoError(t, err)
	sub <- f

	res := awaitAck(sub, "i1", protocol.KindExec)
	assert.True(t, res.Accepted)
	assert.Equal(t, "i1", res.InstanceID)

	rejectSub := make(chan protocol.Frame, 1)
	rf, err := protocol.Encode(protocol.KindExec, "corr-1b", "i1", protocol.ExecAck{Accepted: false, Reason: protocol.ReasonParallelLimit})
	require.NoError(t, err)
	rejectSub <- rf

	res = awaitAck(rejectSub, "i1", protocol.KindExec)
	assert.False(t, res.Accepted)
	assert.Equal(t, protocol.ReasonParallelLimit, res.Reason)
}

func TestAwaitAck_KillAlwaysAccepted(t *testing.T) {
	sub := make(chan protocol.Frame, 1)
	f, err := protocol.Encode(protocol.KindKill, "corr-2", "i1", protocol.KillAck{Killed: 2})
	require.NoError(t, err)
	sub <- f

	res := awaitAck(sub, "i1", protocol.KindKill)
	assert.True(t, res.Accepted)
}

func TestAwaitAck_DispatchFailedRejects(t *testing.T) {
	sub := make(chan protocol.Frame, 1)
	f, err := protocol.Encode(protocol.KindDispatchFailed, "corr-3", "i1", protocol.DispatchFailedPayload{Reason: "link_closed"})
	require.NoError(t, err)
	sub <- f

	res := awaitAck(sub, "i1", protocol.KindExec)
	assert.False(t, res.Accepted)
	assert.Equal(t, "link_closed", res.Reason)
}

func TestAwaitAck_IgnoresStrayFramesThenReadsAck(t *testing.T) {
	sub := make(chan protocol.Frame, 2)
	stray, _ := protocol.Encode(protocol.KindHeartbeat, "corr-4", "i1", protocol.HeartbeatPayload{})
	ack, _ := protocol.Encode(protocol.KindExec, "corr-4", "i1", protocol.ExecAck{Accepted: true})
	sub <- stray
	sub <- ack

	res := awaitAck(sub, "i1", protocol.KindExec)
	assert.True(t, res.Accepted)
}

func TestAwaitAck_TimesOutWhenNothingArrives(t *testing.T) {
	orig := acceptTimeout
	acceptTimeout = 50 * time.Millisecond
	defer func() { acceptTimeout = orig }()

	sub := make(chan protocol.Frame)
	res := awaitAck(sub, "i1", protocol.KindExec)
	assert.False(t, res.Accepted)
	assert.Equal(t, "accept_timeout", res.Reason)
}

// historyStore records every write the Dispatcher makes so assertions
// can check recordHistory/updateRunningStatus/finishRunningStatus
// without a live MySQL instance.
type historyStore struct {
	fakeStore
	histories       []*model.ScheduleHistory
	running         []*model.RunningStatus
	execs           []*model.ExecHistory
	getRS           *model.RunningStatus
	getRSByInstance map[string]*model.RunningStatus
	finalized       []string
}

func (h *historyStore) FinalizeExecHistory(ctx context.Context, scheduleID, instanceID, runID string, exitCode int, exitStatus model.ExitStatus, output string, truncated bool) error {
	h.finalized = append(h.finalized, runID)
	return nil
}

func (h *historyStore) CreateScheduleHistory(ctx context.Context, s *model.ScheduleHistory) error {
	h.histories = append(h.histories, s)
	return nil
}

func (h *historyStore) UpsertRunningStatus(ctx context.Context, rs *model.RunningStatus) error {
	h.running = append(h.running, rs)
	return nil
}

func (h *historyStore) CreateExecHistory(ctx context.Context, e *model.ExecHistory) error {
	h.execs = append(h.execs, e)
	return nil
}

func (h *historyStore) GetRunningStatus(ctx context.Context, eid string, st model.ScheduleType, instanceID string) (*model.RunningStatus, error) {
	if h.getRSByInstance != nil {
		return h.getRSByInstance[instanceID], nil
	}
	return h.getRS, nil
}

func TestRecordHistory_EncodesDispatchResultAndReplayEnvelope(t *testing.T) {
	st := &historyStore{}
	d := &Dispatcher{st: st}

	sch := model.Schedule{ScheduleID: "sch-1", Eid: "eid-1", Action: model.ActionExec, ScheduleType: model.ScheduleOnce}
	snap := model.Snapshot{Job: model.Job{Eid: "eid-1"}, Executor: model.Executor{Command: "bash -c"}}
	payload := protocol.ExecPayload{ScheduleID: "sch-1", Eid: "eid-1"}
	targets := []*model.Instance{{InstanceID: "i1"}, {InstanceID: "i2"}, {InstanceID: "i3"}}
	results := []Result{
		{InstanceID: "i1", Accepted: true},
		{InstanceID: "i2", Accepted: false, Reason: protocol.ReasonNotConnected},
		{InstanceID: "i3", Accepted: false, Reason: protocol.ReasonParallelLimit},
	}

	require.NoError(t, d.recordHistory(context.Background(), sch, snap, payload, targets, results))
	require.Len(t, st.histories, 1)
	h := st.histories[0]
	assert.Equal(t, "sch-1", h.ScheduleID)
	assert.Contains(t, h.DispatchResult, "accepted")
	assert.Contains(t, h.DispatchResult, "dispatch_failed(not_connected)")
	assert.Contains(t, h.DispatchResult, "rejected(parallel_limit)")
	assert.Contains(t, h.DispatchData, "i1")
	assert.Contains(t, h.DispatchData, "i2")
}

func TestUpdateRunningStatus_OnlyTouchesAcceptedTargets(t *testing.T) {
	st := &historyStore{}
	d := &Dispatcher{st: st}

	sch := model.Schedule{ScheduleID: "sch-1", Eid: "eid-1", ScheduleType: model.ScheduleOnce, RunID: "run-1"}
	results := []Result{{InstanceID: "i1", Accepted: true}, {InstanceID: "i2", Accepted: false}}

	d.updateRunningStatus(context.Background(), sch, results)

	require.Len(t, st.running, 1)
	assert.Equal(t, "i1", st.running[0].InstanceID)
	require.Len(t, st.execs, 1)
	assert.Equal(t, "i1", st.execs[0].InstanceID)
}

func TestFinishRunningStatus_UpdatesExitFields(t *testing.T) {
	st := &historyStore{getRS: &model.RunningStatus{Eid: "eid-1", InstanceID: "i1"}}
	d := &Dispatcher{st: st}

	sch := model.Schedule{Eid: "eid-1", ScheduleType: model.ScheduleOnce}
	d.finishRunningStatus(context.Background(), sch, "i1", model.ExitStatusSuccess, 0)

	require.Len(t, st.running, 1)
	assert.Equal(t, model.RunStatusStop, st.running[0].RunStatus)
	assert.Equal(t, model.ExitStatusSuccess, st.running[0].ExitStatus)
	assert.NotNil(t, st.running[0].EndTime)
}

func TestFinishRunningStatus_NoOpWhenRowMissing(t *testing.T) {
	st := &historyStore{getRS: nil}
	d := &Dispatcher{st: st}

	d.finishRunningStatus(context.Background(), model.Schedule{Eid: "eid-1"}, "i1", model.ExitStatusSuccess, 0)
	assert.Empty(t, st.running)
}

func TestStopScheduleStatus_OnlyTouchesAcceptedTargetsRunningStatusRow(t *testing.T) {
	st := &historyStore{
		getRSByInstance: map[string]*model.RunningStatus{
			"i1": {Eid: "e1", ScheduleType: model.ScheduleDaemon, InstanceID: "i1", ScheduleStatus: model.ScheduleStatusScheduling},
		},
	}
	d := &Dispatcher{st: st}
	sch := model.Schedule{Eid: "e1", ScheduleType: model.ScheduleDaemon}
	results := []Result{{InstanceID: "i1", Accepted: true}, {InstanceID: "i2", Accepted: false}}

	d.stopScheduleStatus(context.Background(), sch, results)

	require.Len(t, st.running, 1)
	assert.Equal(t, "i1", st.running[0].InstanceID)
	assert.Equal(t, model.ScheduleStatusStop, st.running[0].ScheduleStatus)
}

// TestMarkLost_FinalizesExecHistoryAndNotifies guards reconciliation's
// terminal bookkeeping (spec.md §4.F): a running_status row whose Comet
// route has vanished is finalized lost and its schedule_id's
// CompletionFuncs still fire, same as any other terminal exit.
func TestMarkLost_FinalizesExecHistoryAndNotifies(t *testing.T) {
	st := &historyStore{}
	var notified string
	d := &Dispatcher{st: st}
	d.OnComplete(func(scheduleID, instanceID string, exitCode int, exitStatus model.ExitStatus, output string) {
		notified = scheduleID
	})

	rs := &model.RunningStatus{Eid: "e1", InstanceID: "i1", ScheduleID: "sch-1", RunID: "run-1", RunStatus: model.RunStatusRunning}
	d.markLost(context.Background(), rs)

	require.Len(t, st.finalized, 1)
	assert.Equal(t, "run-1", st.finalized[0])
	require.Len(t, st.running, 1)
	assert.Equal(t, model.RunStatusStop, st.running[0].RunStatus)
	assert.Equal(t, model.ExitStatusLost, st.running[0].ExitStatus)
	assert.NotNil(t, st.running[0].EndTime)
	assert.Equal(t, "sch-1", notified)
}

func TestShouldRetryOnce(t *testing.T) {
	cases := []struct {
		name     string
		sch      model.Schedule
		exitCode int
		maxRetry int
		want     bool
	}{
		{"once, failed, attempts remain", model.Schedule{ScheduleType: model.ScheduleOnce, Attempt: 0}, 1, 3, true},
		{"once, failed, attempts exhausted", model.Schedule{ScheduleType: model.ScheduleOnce, Attempt: 3}, 1, 3, false},
		{"once, success, never retries", model.Schedule{ScheduleType: model.ScheduleOnce, Attempt: 0}, 0, 3, false},
		{"timer mode never retries", model.Schedule{ScheduleType: model.ScheduleTimer, Attempt: 0}, 1, 3, false},
		{"max_retry zero never retries", model.Schedule{ScheduleType: model.ScheduleOnce, Attempt: 0}, 1, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, shouldRetryOnce(c.sch, c.exitCode, c.maxRetry))
		})
	}
}

func TestOnceRetryBackoff_DoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{3, 16 * time.Second},
		{5, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, onceRetryBackoff(c.attempt), "attempt=%d", c.attempt)
	}
}

func TestRetryOnceExec_AdvancesAttemptAndRunIDWithoutRecordingHistoryAgain(t *testing.T) {
	st := &historyStore{}
	d := &Dispatcher{st: st}

	sch := model.Schedule{ScheduleID: "sch-retry", Eid: "eid-1", ScheduleType: model.ScheduleOnce, RunID: "run-0", Attempt: 0}
	info := &retryInfo{snap: model.Snapshot{Job: model.Job{Eid: "eid-1", MaxRetry: 3}, Executor: model.Executor{Command: "bash -c"}}}

	orig := onceRetrySleep
	onceRetrySleep = func(time.Duration) {}
	defer func() { onceRetrySleep = orig }()

	d.retryOnceExec(sch, info)

	assert.Empty(t, st.histories, "a retry must not write a second schedule_history row for the same schedule_id")
}

func TestOnComplete_NotifiesAllRegisteredFuncs(t *testing.T) {
	d := &Dispatcher{}
	var gotA, gotB string
	d.OnComplete(func(scheduleID, instanceID string, exitCode int, exitStatus model.ExitStatus, output string) {
		gotA = scheduleID
	})
	d.OnComplete(func(scheduleID, instanceID string, exitCode int, exitStatus model.ExitStatus, output string) {
		gotB = instanceID
	})

	d.notifyComplete("sch-9", "i9", 0, model.ExitStatusSuccess, "")
	assert.Equal(t, "sch-9", gotA)
	assert.Equal(t, "i9", gotB)
}
