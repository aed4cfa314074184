// ============================================================================
// syncd Worker - Step Runner
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one job as a child process under a wall-clock timeout
//
// How it works:
//   1. Build a deterministic environment (own env + job overrides + SYNCD_* vars)
//   2. Start the child in its own process group
//   3. Race child exit against the job timer
//   4. On timeout: SIGTERM to the group, grace window, SIGKILL
//   5. Fold exit status, duration and output tail into a StepResult
//
// Execution Model:
//   ┌───────────────────────────────────────────┐
//   │  Run(ctx, task)                           │
//   │  ┌─────────────┐    done <- cmd.Wait()    │
//   │  │ cmd.Start() │──────────────┐           │
//   │  └─────────────┘              ▼           │
//   │        select { done | timer | ctx }      │
//   │                  │ timer/ctx              │
//   │                  ▼                        │
//   │        terminate: TERM -> grace -> KILL   │
//   └───────────────────────────────────────────┘
//
// Error Handling:
//   Nothing escapes Run. Launch problems become OutcomeLaunchError, nonzero
//   exits OutcomeFailure, expired timers OutcomeTimeout.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/ChuLiYu/syncd/pkg/types"
)

const (
	// DefaultGracePeriod is the SIGTERM -> SIGKILL window
	DefaultGracePeriod = 5 * time.Second

	// DefaultOutputTailBytes bounds the captured output per step
	DefaultOutputTailBytes = 8 * 1024

	// EnvJobName and EnvCycleID are injected into every child environment
	EnvJobName = "SYNCD_JOB_NAME"
	EnvCycleID = "SYNCD_CYCLE_ID"
)

// DefaultSummaryMarkers flag the line a job prints as its own summary
var DefaultSummaryMarkers = []string{"Summary:", "Successfully Processed:"}

// Worker executes tasks one at a time
type Worker struct {
	cfg Config
	log *slog.Logger
}

// New creates a Worker, filling zero config fields with defaults
func New(cfg Config, logger *slog.Logger) *Worker {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.OutputTailBytes <= 0 {
		cfg.OutputTailBytes = DefaultOutputTailBytes
	}
	if cfg.SummaryMarkers == nil {
		cfg.SummaryMarkers = DefaultSummaryMarkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, log: logger}
}

// Run executes the task and always returns a StepResult.
// Cancelling ctx terminates the child the same way its own timeout does.
func (w *Worker) Run(ctx context.Context, task Task) (result types.StepResult) {
	job := task.Job
	start := time.Now()
	result = types.StepResult{JobName: job.Name, StartedAt: start}

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = types.OutcomeLaunchError
			result.ExitCode = -1
			result.Error = fmt.Sprintf("runner panic: %v", r)
			result.Duration = time.Since(start)
		}
	}()

	if err := validateJob(job); err != nil {
		return launchError(result, start, err)
	}

	tail := newTailBuffer(w.cfg.OutputTailBytes)

	cmd := exec.Command(job.Command, job.Args...)
	cmd.Dir = job.Dir
	cmd.Env = w.environ(task)
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.WaitDelay = w.cfg.GracePeriod
	Isolate(cmd)

	if err := cmd.Start(); err != nil {
		return launchError(result, start, err)
	}
	w.log.Debug("Step started", "job", job.Name, "pid", cmd.Process.Pid, "timeout", job.Timeout)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(job.Timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		reason   string
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		reason = fmt.Sprintf("timed out after %s", job.Timeout)
		waitErr = Terminate(cmd, w.cfg.GracePeriod, done)
	case <-ctx.Done():
		timedOut = true
		reason = fmt.Sprintf("cancelled: %v", ctx.Err())
		waitErr = Terminate(cmd, w.cfg.GracePeriod, done)
	}

	result.Duration = time.Since(start)
	output := tail.String()
	result.OutputTail = output
	result.SummaryLine = SummaryLine(output, w.cfg.SummaryMarkers)

	switch {
	case timedOut:
		result.Outcome = types.OutcomeTimeout
		result.ExitCode = -1
		result.Error = reason
	case waitErr == nil:
		result.Outcome = types.OutcomeSuccess
	case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success():
		// Exited 0 but a grandchild kept the output pipe open
		result.Outcome = types.OutcomeSuccess
	default:
		result.Outcome = types.OutcomeFailure
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Error = waitErr.Error()
	}

	return result
}

// Terminate stops the child's process group: graceful signal first, forced after grace.
// Returns the Wait error.
func Terminate(cmd *exec.Cmd, grace time.Duration, done <-chan error) error {
	interruptProcess(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}

	killProcess(cmd)
	return <-done
}

func (w *Worker) environ(task Task) []string {
	base := w.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	return BuildEnv(base, w.cfg.Env, task.Job.Env, map[string]string{
		EnvJobName: task.Job.Name,
		EnvCycleID: task.CycleID,
	})
}

func validateJob(job types.JobSpec) error {
	if job.Command == "" {
		return errors.New("no command configured")
	}
	if job.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %s", job.Timeout)
	}
	return nil
}

func launchError(result types.StepResult, start time.Time, err error) types.StepResult {
	result.Outcome = types.OutcomeLaunchError
	result.ExitCode = -1
	result.Error = err.Error()
	result.Duration = time.Since(start)
	return result
}
