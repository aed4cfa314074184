// ============================================================================
// syncd Service - 受管長駐服務
// ============================================================================
//
// Package: internal/service
// File: service.go
// Purpose: Keep long-running helpers (dashboard, chat bot) at one instance
//          per name, and start/stop any lock-owning process from the CLI.
//
// Supervisor.Run (foreground, `syncd service run <name>`):
//   1. Acquire the Lock Guard lock for the service name
//   2. Start the child in its own process group
//   3. Wait for child exit, or ctx cancel -> SIGTERM group, StopTimeout, SIGKILL
//   4. Release the lock
//
// Launch (`syncd start`, `syncd service start`):
//   Re-exec this binary detached (new session), output appended to the log
//   file, then poll until the child owns the lock.
//
// Stop (`syncd stop`, `syncd service stop`):
//   SIGTERM the lock owner, poll until the lock is no longer live,
//   SIGKILL on timeout when forced.
//
// ============================================================================

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/syncd/internal/lock"
	"github.com/ChuLiYu/syncd/internal/worker"
	"github.com/ChuLiYu/syncd/pkg/types"
)

const (
	// DefaultStopTimeout 服務未設定 stop_timeout 時的 SIGTERM -> SIGKILL 間隔
	DefaultStopTimeout = 10 * time.Second

	// DefaultLaunchWait Launch 等待子程序取得鎖的上限
	DefaultLaunchWait = 5 * time.Second

	pollInterval = 100 * time.Millisecond
)

var (
	// ErrNotRunning 目標名稱沒有存活的鎖擁有者
	ErrNotRunning = errors.New("service: not running")

	// ErrStopTimeout 送出 SIGTERM 後在時限內未結束（且未指定 force）
	ErrStopTimeout = errors.New("service: did not stop in time")

	// ErrLaunchFailed 背景子程序未能取得鎖
	ErrLaunchFailed = errors.New("service: launch failed")
)

// Locks 是 Supervisor 與 Stop 需要的鎖操作（lock.Guard）
type Locks interface {
	Acquire(name string) (*lock.Handle, error)
	Release(h *lock.Handle) error
	Owner(name string) (rec types.LockRecord, live bool, ok bool, err error)
}

// ============================================================================
// Supervisor
// ============================================================================

// Supervisor runs managed services in the foreground
type Supervisor struct {
	locks  Locks
	log    *slog.Logger
	output io.Writer
	env    []string
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithOutput receives the child's stdout and stderr (default os.Stdout)
func WithOutput(w io.Writer) Option {
	return func(s *Supervisor) {
		s.output = w
	}
}

// WithBaseEnv replaces os.Environ() as the child's base environment
func WithBaseEnv(env []string) Option {
	return func(s *Supervisor) {
		s.env = env
	}
}

// NewSupervisor creates a Supervisor on top of the lock guard
func NewSupervisor(locks Locks, opts ...Option) *Supervisor {
	s := &Supervisor{
		locks:  locks,
		log:    slog.Default(),
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run holds the lock for spec.Name while the child runs.
// Returns nil when stopped through ctx, the exit error when the child dies on its own,
// and a *lock.ContentionError when another live instance owns the name.
func (s *Supervisor) Run(ctx context.Context, spec types.ServiceSpec) error {
	if spec.Command == "" {
		return fmt.Errorf("service %s: no command configured", spec.Name)
	}

	h, err := s.locks.Acquire(spec.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.locks.Release(h); err != nil {
			s.log.Warn("Failed to release service lock", "service", spec.Name, "error", err)
		}
	}()

	base := s.env
	if base == nil {
		base = os.Environ()
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = worker.BuildEnv(base, spec.Env)
	cmd.Stdout = s.output
	cmd.Stderr = s.output
	worker.Isolate(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("service %s: start: %w", spec.Name, err)
	}
	s.log.Info("Service started", "service", spec.Name, "pid", cmd.Process.Pid, "supervisor_pid", h.Record().PID)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Error("Service exited", "service", spec.Name, "error", err)
			return fmt.Errorf("service %s exited: %w", spec.Name, err)
		}
		s.log.Info("Service exited", "service", spec.Name)
		return nil

	case <-ctx.Done():
		grace := spec.StopTimeout
		if grace <= 0 {
			grace = DefaultStopTimeout
		}
		s.log.Info("Stopping service", "service", spec.Name, "pid", cmd.Process.Pid, "grace", grace)
		err := worker.Terminate(cmd, grace, done)
		s.log.Info("Service stopped", "service", spec.Name, "result", exitDescription(err))
		return nil
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}

// ============================================================================
// Launch / Stop / Inspect
// ============================================================================

// LaunchOptions describes a detached re-exec of this binary
type LaunchOptions struct {
	Name       string        // lock name the child is expected to acquire
	Executable string        // default os.Executable()
	Args       []string      // e.g. ["run", "--config", path]
	LogFile    string        // stdout/stderr appended here; empty discards
	Dir        string        // working directory of the child
	Wait       time.Duration // how long to wait for the lock (default DefaultLaunchWait)
}

// Launch starts the child in a new session and returns its PID once it owns the lock
func Launch(locks Locks, opts LaunchOptions) (int, error) {
	if rec, live, ok, err := locks.Owner(opts.Name); err != nil {
		return 0, err
	} else if ok && live {
		return rec.PID, &lock.ContentionError{Name: opts.Name, PID: rec.PID}
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}

	out, err := openLog(opts.LogFile)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	cmd := exec.Command(exe, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	worker.Detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	wait := opts.Wait
	if wait <= 0 {
		wait = DefaultLaunchWait
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		rec, live, ok, err := locks.Owner(opts.Name)
		if err == nil && ok && live && rec.PID == pid {
			return pid, nil
		}

		select {
		case err := <-exited:
			if rec, live, ok, _ := locks.Owner(opts.Name); ok && live && rec.PID != pid {
				return 0, &lock.ContentionError{Name: opts.Name, PID: rec.PID}
			}
			return 0, fmt.Errorf("%w: %s exited before acquiring its lock (%s)", ErrLaunchFailed, opts.Name, exitDescription(err))
		case <-deadline.C:
			return pid, fmt.Errorf("%w: %s (pid %d) did not acquire its lock within %s", ErrLaunchFailed, opts.Name, pid, wait)
		case <-ticker.C:
		}
	}
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// StopOptions controls Stop
type StopOptions struct {
	Timeout time.Duration // wait after SIGTERM (default DefaultStopTimeout)
	Force   bool          // SIGKILL when Timeout expires
}

// Stop signals the live owner of name and waits for it to exit. Returns the owner PID.
func Stop(locks Locks, name string, opts StopOptions) (int, error) {
	rec, live, ok, err := locks.Owner(name)
	if err != nil {
		return 0, err
	}
	if !ok || !live {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	if err := worker.Interrupt(rec.PID); err != nil {
		return rec.PID, fmt.Errorf("signal %s (pid %d): %w", name, rec.PID, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	if waitGone(locks, name, rec.PID, timeout) {
		return rec.PID, nil
	}
	if !opts.Force {
		return rec.PID, fmt.Errorf("%w: %s (pid %d) after %s", ErrStopTimeout, name, rec.PID, timeout)
	}

	if err := worker.Kill(rec.PID); err != nil {
		return rec.PID, fmt.Errorf("kill %s (pid %d): %w", name, rec.PID, err)
	}
	if !waitGone(locks, name, rec.PID, DefaultLaunchWait) {
		return rec.PID, fmt.Errorf("%w: %s (pid %d) survived SIGKILL", ErrStopTimeout, name, rec.PID)
	}
	return rec.PID, nil
}

// waitGone polls until pid no longer owns a live lock for name
func waitGone(locks Locks, name string, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		rec, live, ok, err := locks.Owner(name)
		if err == nil && (!ok || !live || rec.PID != pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// Status is the liveness of one managed name
type Status struct {
	Name  string `json:"name"`
	Live  bool   `json:"live"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// Inspect reports liveness for each name
func Inspect(locks Locks, names ...string) []Status {
	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Name: name}
		rec, live, ok, err := locks.Owner(name)
		switch {
		case err != nil:
			st.Error = err.Error()
		case ok && live:
			st.Live = true
			st.PID = rec.PID
		}
		out = append(out, st)
	}
	return out
}
