// Package executor runs one exec payload as an OS subprocess, grounded
// on the teacher's executor.DockerExecutor shape
// (internal/worker/executor/docker.go) but targeting os/exec directly:
// spec.md's Job has no container/image fields, only an executor recipe
// plus script code, so there is nothing for a container runtime to
// bind to here.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

// Sender pushes one outbound frame onto the agent's link; passed in
// rather than owned here so Executor stays transport-agnostic.
type Sender func(protocol.Frame)

// Executor runs exec payloads as subprocesses, counting live runs per
// eid for max_parallel (TryAccept) and tracking each run's process for
// Kill. Exec streams output/completed frames via send and blocks until
// the run (or every bundle step) finishes.
type Executor struct {
	maxOutputBytes int
	killGrace      time.Duration

	mu    sync.Mutex
	live  map[string]int // eid -> live count
	procs map[string]*runningProc // run_id -> process, for Kill
}

type runningProc struct {
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	eid           string
	killRequested bool
}

func New(maxOutputBytes, killGraceSeconds int) *Executor {
	return &Executor{
		maxOutputBytes: maxOutputBytes,
		killGrace:      time.Duration(killGraceSeconds) * time.Second,
		live:           make(map[string]int),
		procs:          make(map[string]*runningProc),
	}
}

// TryAccept enforces spec.md §4.A's per-eid parallelism counter,
// returning false (rejected(parallel_limit)) when accepting would
// exceed max_parallel.
func (e *Executor) TryAccept(eid string, maxParallel int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxParallel > 0 && e.live[eid] >= maxParallel {
		return false
	}
	e.live[eid]++
	return true
}

func (e *Executor) release(eid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[eid]--
	if e.live[eid] <= 0 {
		delete(e.live, eid)
	}
}

// Exec runs payload to completion (including every bundle step, if
// any), emitting output/completed frames on send. Call after TryAccept
// has returned true.
func (e *Executor) Exec(ctx context.Context, payload protocol.ExecPayload, send Sender) {
	defer e.release(payload.Eid)

	start := time.Now()
	timeout := time.Duration(payload.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(payload.BundleSteps) > 0 {
		e.runBundle(runCtx, payload, start, send)
		return
	}

	_, exitCode, status, truncated := e.runOne(runCtx, payload.Eid, payload.RunID, payload.Executor, payload.ReadFromStdin, payload.Code, payload.Args, payload.WorkDir, payload.WorkUser, send, 0)
	e.finish(payload.RunID, start, exitCode, status, truncated, nil, send)
}

func (e *Executor) runBundle(ctx context.Context, payload protocol.ExecPayload, start time.Time, send Sender) {
	var results []protocol.BundleStepOutcome
	aborted := false
	anyTruncated := false

	for i, step := range payload.BundleSteps {
		if aborted {
			results = append(results, protocol.BundleStepOutcome{EidRef: step.EidRef, Skipped: true})
			continue
		}
		out, exitCode, status, truncated := e.runOne(ctx, payload.Eid, payload.RunID, step.Executor, step.ReadFromStdin, step.Code, step.Args, payload.WorkDir, payload.WorkUser, send, i+1)
		anyTruncated = anyTruncated || truncated
		results = append(results, protocol.BundleStepOutcome{EidRef: step.EidRef, ExitCode: exitCode, ExitStatus: status, Output: out})
		if status != "success" && !step.ContinueOnError {
			aborted = true
		}
	}

	overallCode := 0
	overallStatus := "success"
	for _, r := range results {
		if !r.Skipped && r.ExitCode != 0 {
			overallCode = r.ExitCode
			overallStatus = r.ExitStatus
			break
		}
	}
	e.finish(payload.RunID, start, overallCode, overallStatus, anyTruncated, results, send)
}

// runOne executes a single script; exitStatus is one of
// success/failed/spawn_failed/timeout/killed depending on outcome.
func (e *Executor) runOne(ctx context.Context, eid, runID, executorCmd string, readFromStdin bool, code, args, workDir, workUser string, send Sender, stepIndex int) (output string, exitCode int, exitStatus string, truncated bool) {
	fields := strings.Fields(executorCmd)
	if len(fields) == 0 {
		return "", -1, "spawn_failed", false
	}

	var cmd *exec.Cmd
	if readFromStdin {
		cmd = exec.Command(fields[0], fields[1:]...)
		cmd.Stdin = strings.NewReader(code)
	} else {
		cmdArgs := append(append([]string{}, fields[1:]...), code)
		if args != "" {
			cmdArgs = append(cmdArgs, strings.Fields(args)...)
		}
		cmd = exec.Command(fields[0], cmdArgs...)
	}
	if workDir != "" {
		cmd.Dir = workDir
	}
	// own process group, so timeout/Kill signals reach every child the
	// script forks, not just the interpreter
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	wasTruncated := false
	writer := &cappedWriter{buf: &buf, cap: e.maxOutputBytes, truncated: &wasTruncated, send: send, runID: runID, stepIndex: stepIndex}
	cmd.Stdout = writer
	cmd.Stderr = writer

	runCtx, cancel := context.WithCancel(ctx)
	live := &runningProc{cmd: cmd, cancel: cancel, eid: eid}
	e.mu.Lock()
	e.procs[runID] = live
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.procs, runID)
		e.mu.Unlock()
		cancel()
	}()

	if err := cmd.Start(); err != nil {
		log.WithError(err).WithField("run_id", runID).Error("executor: spawn failed")
		return buf.String(), -1, "spawn_failed", wasTruncated
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return buf.String(), 0, "success", wasTruncated
		}
		e.mu.Lock()
		killRequested := live.killRequested
		e.mu.Unlock()
		if killRequested {
			return buf.String(), -1, "killed", wasTruncated
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return buf.String(), exitErr.ExitCode(), "failed", wasTruncated
		}
		return buf.String(), -1, "failed", wasTruncated
	case <-runCtx.Done():
		// reached on the run's timeout and on an explicit Kill, which
		// cancels runCtx: the process group gets SIGTERM, then SIGKILL
		// once killGrace has passed.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		status := "timeout"
		e.mu.Lock()
		if live.killRequested {
			status = "killed"
		}
		e.mu.Unlock()
		select {
		case <-done:
		case <-time.After(e.killGrace):
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return buf.String(), -1, status, wasTruncated
	}
}

func (e *Executor) finish(runID string, start time.Time, exitCode int, exitStatus string, truncated bool, bundleResults []protocol.BundleStepOutcome, send Sender) {
	send(frame(protocol.KindCompleted, runID, protocol.CompletedPayload{
		RunID:         runID,
		ExitCode:      exitCode,
		ExitStatus:    exitStatus,
		StartTime:     start.Unix(),
		EndTime:       time.Now().Unix(),
		Truncated:     truncated,
		BundleResults: bundleResults,
	}))
}

// Kill terminates the live process for runID, or every live process
// matching eid when runID is empty (spec.md §4.C kill tie-break: an
// empty run_id kills every live process for that eid on this instance).
func (e *Executor) Kill(eid, runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	killed := 0
	for rid, p := range e.procs {
		if runID != "" {
			if rid != runID {
				continue
			}
		} else if p.eid != eid {
			continue
		}
		p.killRequested = true
		p.cancel()
		killed++
	}
	return killed
}

func frame(kind protocol.Kind, corrID string, payload interface{}) protocol.Frame {
	f, _ := protocol.Encode(kind, corrID, "", payload)
	return f
}

type cappedWriter struct {
	buf       *bytes.Buffer
	cap       int
	truncated *bool
	send      Sender
	runID     string
	stepIndex int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	chunk := p
	if w.buf.Len() >= w.cap {
		*w.truncated = true
	} else {
		remaining := w.cap - w.buf.Len()
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
			*w.truncated = true
		} else {
			w.buf.Write(p)
		}
	}

	if w.send != nil {
		w.send(frame(protocol.KindOutput, w.runID, protocol.OutputPayload{RunID: w.runID, Chunk: chunk, StepIndex: w.stepIndex}))
	}
	return len(p), nil
}
