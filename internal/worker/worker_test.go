package worker

// ============================================================================
// Step Runner Test File
// Purpose: Verify outcomes, timeout termination, environment, output bounds
// ============================================================================

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script in a temp dir
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestWorker() *Worker {
	return New(Config{GracePeriod: 500 * time.Millisecond}, nil)
}

func task(name, command string, timeout time.Duration) Task {
	return Task{
		Job:     types.JobSpec{Name: name, Command: command, Timeout: timeout},
		CycleID: "cycle-1",
	}
}

// ============================================================================
// Outcome Tests
// ============================================================================

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, `echo "fetching"
echo "Summary: Found 3 payment emails, successfully processed 3"
echo "done"`)

	result := newTestWorker().Run(context.Background(), task("payments", script, 5*time.Second))

	assert.Equal(t, types.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "payments", result.JobName)
	assert.Empty(t, result.Error)
	assert.Contains(t, result.OutputTail, "fetching")
	assert.Equal(t, "Summary: Found 3 payment emails, successfully processed 3", result.SummaryLine)
	assert.Greater(t, result.Duration, time.Duration(0))
	assert.False(t, result.StartedAt.IsZero())
}

func TestRunFailureExitCode(t *testing.T) {
	script := writeScript(t, `echo "drive quota exceeded" >&2
exit 3`)

	result := newTestWorker().Run(context.Background(), task("invoices", script, 5*time.Second))

	assert.Equal(t, types.OutcomeFailure, result.Outcome)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.OutputTail, "drive quota exceeded")
	assert.Equal(t, "drive quota exceeded", result.SummaryLine)
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `echo "started"
sleep 10`)

	start := time.Now()
	result := newTestWorker().Run(context.Background(), task("book-closing", script, 200*time.Millisecond))
	elapsed := time.Since(start)

	assert.Equal(t, types.OutcomeTimeout, result.Outcome)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Error, "timed out after 200ms")
	assert.Contains(t, result.OutputTail, "started")
	assert.Less(t, elapsed, 3*time.Second, "child must be terminated shortly after the timeout")
}

func TestRunTimeoutEscalatesToKill(t *testing.T) {
	script := writeScript(t, `trap '' TERM
sleep 10`)

	w := New(Config{GracePeriod: 300 * time.Millisecond}, nil)
	start := time.Now()
	result := w.Run(context.Background(), task("stubborn", script, 200*time.Millisecond))
	elapsed := time.Since(start)

	assert.Equal(t, types.OutcomeTimeout, result.Outcome)
	assert.Less(t, elapsed, 3*time.Second, "SIGKILL must follow the grace window")
}

func TestRunContextCancelled(t *testing.T) {
	script := writeScript(t, "sleep 10")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := newTestWorker().Run(ctx, task("payments", script, 30*time.Second))

	assert.Equal(t, types.OutcomeTimeout, result.Outcome)
	assert.Contains(t, result.Error, "cancelled")
}

func TestRunLaunchErrors(t *testing.T) {
	notExecutable := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(notExecutable, []byte("#!/bin/sh\nexit 0\n"), 0o644))

	testCases := []struct {
		name string
		job  types.JobSpec
	}{
		{"missing executable", types.JobSpec{Name: "a", Command: "/nonexistent/syncd-job", Timeout: time.Second}},
		{"not in PATH", types.JobSpec{Name: "b", Command: "syncd-no-such-binary", Timeout: time.Second}},
		{"not executable", types.JobSpec{Name: "c", Command: notExecutable, Timeout: time.Second}},
		{"empty command", types.JobSpec{Name: "d", Timeout: time.Second}},
		{"zero timeout", types.JobSpec{Name: "e", Command: "true"}},
		{"missing dir", types.JobSpec{Name: "f", Command: "true", Dir: "/nonexistent/dir", Timeout: time.Second}},
	}

	w := newTestWorker()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var result types.StepResult
			assert.NotPanics(t, func() {
				result = w.Run(context.Background(), Task{Job: tc.job})
			})
			assert.Equal(t, types.OutcomeLaunchError, result.Outcome)
			assert.Equal(t, tc.job.Name, result.JobName)
			assert.NotEmpty(t, result.Error)
		})
	}
}

// ============================================================================
// Environment & Output Tests
// ============================================================================

func TestRunEnvironment(t *testing.T) {
	script := writeScript(t, `echo "base=$BASE_VAR shared=$SHARED job=$SYNCD_JOB_NAME cycle=$SYNCD_CYCLE_ID"`)

	w := New(Config{
		BaseEnv: []string{"PATH=" + os.Getenv("PATH"), "BASE_VAR=base", "SHARED=from-base"},
		Env:     map[string]string{"SHARED": "from-runner"},
	}, nil)

	tk := task("payments", script, 5*time.Second)
	tk.Job.Env = map[string]string{"SHARED": "from-job"}
	result := w.Run(context.Background(), tk)

	require.Equal(t, types.OutcomeSuccess, result.Outcome, result.Error)
	assert.Equal(t, "base=base shared=from-job job=payments cycle=cycle-1", result.SummaryLine)
}

func TestRunWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, "pwd")

	tk := task("pwd", script, 5*time.Second)
	tk.Job.Dir = dir
	result := newTestWorker().Run(context.Background(), tk)

	require.Equal(t, types.OutcomeSuccess, result.Outcome)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, result.SummaryLine)
}

func TestRunOutputTailIsBounded(t *testing.T) {
	script := writeScript(t, `i=0
while [ $i -lt 2000 ]; do
  echo "line $i"
  i=$((i+1))
done
echo "last line"`)

	w := New(Config{OutputTailBytes: 128}, nil)
	result := w.Run(context.Background(), task("noisy", script, 5*time.Second))

	require.Equal(t, types.OutcomeSuccess, result.Outcome)
	assert.LessOrEqual(t, len(result.OutputTail), 128)
	assert.True(t, strings.HasSuffix(result.OutputTail, "last line\n"))
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)

	tb.Write([]byte("abc"))
	assert.Equal(t, "abc", tb.String())

	tb.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", tb.String())

	tb.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", tb.String())

	n, err := tb.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "23456789", tb.String())
}

func TestTailBufferDropsPartialRune(t *testing.T) {
	tb := newTailBuffer(4)
	tb.Write([]byte("x€yz")) // € is 3 bytes; the cut lands inside it

	assert.Equal(t, "yz", tb.String())
}

func TestSummaryLine(t *testing.T) {
	testCases := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "", ""},
		{"last non-empty", "a\nb\n\n  \n", "b"},
		{"marker wins", "Summary: 2 closed\nbye\n", "Summary: 2 closed"},
		{"last marker wins", "Summary: first\nSuccessfully Processed: 4\nbye", "Successfully Processed: 4"},
		{"trims", "   padded   \n", "padded"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SummaryLine(tc.output, DefaultSummaryMarkers))
		})
	}
}

func TestBuildEnv(t *testing.T) {
	env := BuildEnv(
		[]string{"B=2", "A=1", "malformed", "C=x=y"},
		map[string]string{"A": "override"},
		nil,
		map[string]string{"D": "4"},
	)

	assert.Equal(t, []string{"A=override", "B=2", "C=x=y", "D=4"}, env)
}
