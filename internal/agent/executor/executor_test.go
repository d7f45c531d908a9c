package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

func collectFrames(t *testing.T, e *Executor, payload protocol.ExecPayload) (frames []protocol.Frame) {
	t.Helper()
	var mu sync.Mutex
	done := make(chan struct{})
	send := func(f protocol.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		if f.Kind == protocol.KindCompleted {
			close(done)
		}
	}
	e.Exec(context.Background(), payload, send)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completed frame")
	}
	return frames
}

func TestExec_SuccessRunsToCompletion(t *testing.T) {
	e := New(1<<20, 2)
	payload := protocol.ExecPayload{
		RunID:    "run-1",
		Eid:      "eid-1",
		Executor: "/bin/sh -c",
		Code:     "echo hello",
	}

	frames := collectFrames(t, e, payload)
	require.NotEmpty(t, frames)

	last := frames[len(frames)-1]
	require.Equal(t, protocol.KindCompleted, last.Kind)
	var done protocol.CompletedPayload
	require.NoError(t, last.Decode(&done))
	assert.Equal(t, 0, done.ExitCode)
	assert.Equal(t, "success", done.ExitStatus)
	assert.False(t, done.Truncated)
}

func TestExec_NonZeroExitReportsFailed(t *testing.T) {
	e := New(1<<20, 2)
	payload := protocol.ExecPayload{
		RunID:    "run-2",
		Eid:      "eid-2",
		Executor: "/bin/sh -c",
		Code:     "exit 3",
	}

	frames := collectFrames(t, e, payload)
	last := frames[len(frames)-1]
	var done protocol.CompletedPayload
	require.NoError(t, last.Decode(&done))
	assert.Equal(t, 3, done.ExitCode)
	assert.Equal(t, "failed", done.ExitStatus)
}

func TestExec_BundleSkipsStepsAfterFailure(t *testing.T) {
	e := New(1<<20, 2)
	payload := protocol.ExecPayload{
		RunID: "run-3",
		Eid:   "eid-3",
		BundleSteps: []protocol.BundleStep{
			{EidRef: "step-1", Executor: "/bin/sh -c", Code: "exit 1"},
			{EidRef: "step-2", Executor: "/bin/sh -c", Code: "echo skip-me"},
		},
	}

	frames := collectFrames(t, e, payload)
	last := frames[len(frames)-1]
	var done protocol.CompletedPayload
	require.NoError(t, last.Decode(&done))
	require.Len(t, done.BundleResults, 2)
	assert.False(t, done.BundleResults[0].Skipped)
	assert.Equal(t, "failed", done.BundleResults[0].ExitStatus)
	assert.True(t, done.BundleResults[1].Skipped)
}

func TestExec_BundleContinuesOnErrorWhenFlagged(t *testing.T) {
	e := New(1<<20, 2)
	payload := protocol.ExecPayload{
		RunID: "run-4",
		Eid:   "eid-4",
		BundleSteps: []protocol.BundleStep{
			{EidRef: "step-1", Executor: "/bin/sh -c", Code: "exit 1", ContinueOnError: true},
			{EidRef: "step-2", Executor: "/bin/sh -c", Code: "echo still-runs"},
		},
	}

	frames := collectFrames(t, e, payload)
	last := frames[len(frames)-1]
	var done protocol.CompletedPayload
	require.NoError(t, last.Decode(&done))
	require.Len(t, done.BundleResults, 2)
	assert.False(t, done.BundleResults[1].Skipped)
}

func TestTryAccept_EnforcesMaxParallel(t *testing.T) {
	e := New(1<<20, 2)
	assert.True(t, e.TryAccept("eid-x", 2))
	assert.True(t, e.TryAccept("eid-x", 2))
	assert.False(t, e.TryAccept("eid-x", 2))

	e.release("eid-x")
	assert.True(t, e.TryAccept("eid-x", 2))
}

func TestTryAccept_UnboundedWhenZero(t *testing.T) {
	e := New(1<<20, 2)
	for i := 0; i < 5; i++ {
		assert.True(t, e.TryAccept("eid-unbounded", 0))
	}
}

func TestKill_TerminatesLongRunningProcess(t *testing.T) {
	e := New(1<<20, 1)
	var mu sync.Mutex
	var frames []protocol.Frame
	done := make(chan struct{})
	send := func(f protocol.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		if f.Kind == protocol.KindCompleted {
			close(done)
		}
	}

	payload := protocol.ExecPayload{
		RunID:    "run-kill",
		Eid:      "eid-kill",
		Executor: "/bin/sh -c",
		Code:     "sleep 30",
	}

	go e.Exec(context.Background(), payload, send)
	time.Sleep(200 * time.Millisecond)

	killed := e.Kill("eid-kill", "")
	assert.Equal(t, 1, killed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not terminate the process in time")
	}

	mu.Lock()
	last := frames[len(frames)-1]
	mu.Unlock()
	var completed protocol.CompletedPayload
	require.NoError(t, last.Decode(&completed))
	assert.Equal(t, "killed", completed.ExitStatus)
}
