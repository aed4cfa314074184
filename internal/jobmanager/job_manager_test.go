package jobmanager

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/syncd/internal/logging"
	"github.com/ChuLiYu/syncd/internal/worker"
	"github.com/ChuLiYu/syncd/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeRunner returns canned results and records call order
type fakeRunner struct {
	results map[string]types.StepResult
	panics  map[string]bool
	calls   []worker.Task
}

func (f *fakeRunner) Run(_ context.Context, task worker.Task) types.StepResult {
	f.calls = append(f.calls, task)
	if f.panics[task.Job.Name] {
		panic("boom")
	}
	if r, ok := f.results[task.Job.Name]; ok {
		r.JobName = task.Job.Name
		return r
	}
	return types.StepResult{JobName: task.Job.Name, Outcome: types.OutcomeSuccess}
}

// countingRecorder counts Record calls
type countingRecorder struct {
	steps  []types.StepResult
	cycles []types.RunSummary
}

func (c *countingRecorder) RecordStep(r types.StepResult)  { c.steps = append(c.steps, r) }
func (c *countingRecorder) RecordCycle(s types.RunSummary) { c.cycles = append(c.cycles, s) }

func quietLogger() *slog.Logger {
	return logging.Discard()
}

func newTestJobManager(r StepRunner, opts ...Option) *JobManager {
	opts = append([]Option{WithLogger(quietLogger()), WithIDGenerator(func() string { return "cycle-test" })}, opts...)
	return NewJobManager(r, opts...)
}

func jobs(names ...string) []types.JobSpec {
	out := make([]types.JobSpec, 0, len(names))
	for _, n := range names {
		out = append(out, types.JobSpec{Name: n, Command: n, Timeout: time.Second})
	}
	return out
}

// assertOutcomes asserts step names and outcomes in order
func assertOutcomes(t *testing.T, s types.RunSummary, want ...string) {
	t.Helper()
	if len(s.Steps) != len(want)/2 {
		t.Fatalf("steps: got %d, want %d", len(s.Steps), len(want)/2)
	}
	for i := 0; i < len(want); i += 2 {
		step := s.Steps[i/2]
		if step.JobName != want[i] || string(step.Outcome) != want[i+1] {
			t.Errorf("step %d: got %s=%s, want %s=%s", i/2, step.JobName, step.Outcome, want[i], want[i+1])
		}
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestExecuteAllPreservesOrderAndIsolatesFailures(t *testing.T) {
	runner := &fakeRunner{results: map[string]types.StepResult{
		"payments":     {Outcome: types.OutcomeFailure, ExitCode: 2},
		"book-closing": {Outcome: types.OutcomeTimeout},
		"invoices":     {Outcome: types.OutcomeLaunchError},
	}}
	jm := newTestJobManager(runner)

	summary := jm.ExecuteAll(context.Background(), types.TriggerScheduled, jobs("payments", "book-closing", "invoices", "stock"))

	assertOutcomes(t, summary,
		"payments", "failure",
		"book-closing", "timeout",
		"invoices", "launch_error",
		"stock", "success")

	if summary.Successes != 1 || summary.Failures != 3 {
		t.Errorf("counts: got %d/%d, want 1/3", summary.Successes, summary.Failures)
	}
	if len(runner.calls) != 4 {
		t.Errorf("runner calls: got %d, want 4", len(runner.calls))
	}
	if summary.ID != "cycle-test" || summary.Trigger != types.TriggerScheduled {
		t.Errorf("identity: got %s/%s", summary.ID, summary.Trigger)
	}
}

func TestExecuteAllPassesCycleID(t *testing.T) {
	runner := &fakeRunner{}
	jm := newTestJobManager(runner)

	jm.ExecuteAll(context.Background(), types.TriggerManual, jobs("a", "b"))

	for _, call := range runner.calls {
		if call.CycleID != "cycle-test" {
			t.Errorf("task %s: cycle id %q", call.Job.Name, call.CycleID)
		}
	}
}

func TestExecuteAllEmptySequence(t *testing.T) {
	jm := newTestJobManager(&fakeRunner{})

	summary := jm.ExecuteAll(context.Background(), types.TriggerManual, nil)

	if len(summary.Steps) != 0 || summary.Successes != 0 || summary.Failures != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.FinishedAt.Before(summary.StartedAt) {
		t.Error("finished before started")
	}
}

func TestExecuteAllRecoversRunnerPanic(t *testing.T) {
	runner := &fakeRunner{panics: map[string]bool{"b": true}}
	jm := newTestJobManager(runner)

	summary := jm.ExecuteAll(context.Background(), types.TriggerScheduled, jobs("a", "b", "c"))

	assertOutcomes(t, summary,
		"a", "success",
		"b", "launch_error",
		"c", "success")
}

func TestExecuteAllRecordsMetrics(t *testing.T) {
	rec := &countingRecorder{}
	jm := newTestJobManager(&fakeRunner{}, WithRecorder(rec))

	jm.ExecuteAll(context.Background(), types.TriggerScheduled, jobs("a", "b", "c"))

	if len(rec.steps) != 3 {
		t.Errorf("recorded steps: got %d, want 3", len(rec.steps))
	}
	if len(rec.cycles) != 1 || rec.cycles[0].Successes != 3 {
		t.Errorf("recorded cycles: %+v", rec.cycles)
	}
}

func TestExecuteAllIsStateless(t *testing.T) {
	ids := []string{"first", "second"}
	n := 0
	jm := NewJobManager(&fakeRunner{},
		WithLogger(quietLogger()),
		WithIDGenerator(func() string { id := ids[n]; n++; return id }))

	a := jm.ExecuteAll(context.Background(), types.TriggerScheduled, jobs("a"))
	b := jm.ExecuteAll(context.Background(), types.TriggerScheduled, jobs("x", "y"))

	if a.ID != "first" || b.ID != "second" {
		t.Errorf("ids: %s, %s", a.ID, b.ID)
	}
	if len(a.Steps) != 1 || len(b.Steps) != 2 {
		t.Errorf("steps leaked between cycles: %d, %d", len(a.Steps), len(b.Steps))
	}
}

func TestNewCycleIDIsUUIDv7(t *testing.T) {
	id := newCycleID()
	if len(id) != 36 || id[14] != '7' {
		t.Errorf("not a v7 uuid: %s", id)
	}
}

// ============================================================================
// Integration Tests (real child processes)
// ============================================================================

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// A succeeds in ~1s, B sleeps 10s under a 1s timeout, C exits nonzero
func TestExecuteAllScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	dir := t.TempDir()
	sequence := []types.JobSpec{
		{Name: "A", Command: script(t, dir, "a", "sleep 1\necho ok"), Timeout: 5 * time.Second},
		{Name: "B", Command: script(t, dir, "b", "sleep 10"), Timeout: 1 * time.Second},
		{Name: "C", Command: script(t, dir, "c", "exit 4"), Timeout: 5 * time.Second},
	}

	w := worker.New(worker.Config{GracePeriod: time.Second}, quietLogger())
	jm := newTestJobManager(w)

	start := time.Now()
	summary := jm.ExecuteAll(context.Background(), types.TriggerScheduled, sequence)
	elapsed := time.Since(start)

	assertOutcomes(t, summary,
		"A", "success",
		"B", "timeout",
		"C", "failure")
	if summary.Steps[2].ExitCode != 4 {
		t.Errorf("C exit code: got %d, want 4", summary.Steps[2].ExitCode)
	}
	if summary.Successes != 1 || summary.Failures != 2 {
		t.Errorf("counts: got %d/%d, want 1/2", summary.Successes, summary.Failures)
	}
	if elapsed > 6*time.Second {
		t.Errorf("sequence took %v; B should be cut off near its 1s timeout", elapsed)
	}
}
