// ============================================================================
// syncd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the orchestrator and its managed services
//
// Command Structure:
//   syncd                          # Root command
//   ├── run                        # Run the scheduler in the foreground (daemon)
//   ├── start                      # Launch `run` in the background
//   ├── stop                       # Stop the running daemon
//   │   ├── --timeout             # Wait after SIGTERM
//   │   └── --force               # SIGKILL when the timeout expires
//   ├── status                     # Liveness, next run, last run
//   │   └── --json
//   ├── run-now                    # One cycle now (through the daemon if live)
//   ├── healthcheck                # Probe the daemon's health endpoint
//   ├── service                    # Managed long-running services
//   │   ├── run <name>
//   │   ├── start <name>
//   │   ├── stop <name>
//   │   └── status [name...]
//   ├── --config, -c               # Config file (default configs/syncd.yaml)
//   └── --version
//
// Exit Codes:
//   0  clean shutdown / all steps succeeded
//   1  lock held by another live instance, init failure, failed steps
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/syncd/internal/config"
	"github.com/ChuLiYu/syncd/internal/lock"
	"github.com/ChuLiYu/syncd/internal/logging"
	"github.com/ChuLiYu/syncd/internal/server"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "1.0.0"

// ExitError carries a process exit code up to main
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an Execute error onto a process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	return 1
}

// app holds the state shared by every command
type app struct {
	configFile string
	out        io.Writer
}

func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "syncd: nightly batch-sync orchestrator",
		Long: `syncd runs an ordered list of sync jobs once a day:
- One instance per managed name, enforced by PID lock files
- Per-job timeouts with SIGTERM -> SIGKILL escalation
- Manual runs, status and health endpoints, Prometheus metrics
- Supervision of long-running helper services`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.out = cmd.OutOrStdout()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildStartCommand())
	rootCmd.AddCommand(a.buildStopCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildRunNowCommand())
	rootCmd.AddCommand(a.buildHealthcheckCommand())
	rootCmd.AddCommand(a.buildServiceCommand())

	return rootCmd
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, &ExitError{Code: 1, Err: fmt.Errorf("failed to load config: %w", err)}
	}
	return cfg, nil
}

// absConfigPath is handed to re-executed children, whose working directory may differ
func (a *app) absConfigPath() string {
	if a.configFile == "" {
		return ""
	}
	if abs, err := filepath.Abs(a.configFile); err == nil {
		return abs
	}
	return a.configFile
}

// newLogger builds the process logger. quiet drops stdout when a log file already
// receives every line (detached processes have stdout redirected into that file).
func (a *app) newLogger(cfg *config.Config, quiet bool) (*slog.Logger, func() error, error) {
	out := a.out
	if quiet && cfg.Log.File != "" {
		out = io.Discard
	}
	logger, closeFn, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Output: out,
	})
	if err != nil {
		return nil, nil, &ExitError{Code: 1, Err: err}
	}
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func newGuard(cfg *config.Config, logger *slog.Logger) *lock.Guard {
	opts := []lock.Option{}
	if logger != nil {
		opts = append(opts, lock.WithLogger(logger))
	}
	return lock.NewGuard(cfg.Lock.Dir, opts...)
}

// detachedLogPath receives stdout/stderr of a background process
func detachedLogPath(cfg *config.Config, name string) string {
	if cfg.Log.File != "" {
		if name == config.OrchestratorName {
			return cfg.Log.File
		}
		return filepath.Join(filepath.Dir(cfg.Log.File), name+".log")
	}
	return filepath.Join(cfg.Lock.Dir, name+".log")
}

// apiClient returns a client for the daemon's HTTP API, or nil when it is not served
func apiClient(cfg *config.Config, timeout time.Duration) *server.Client {
	if !cfg.Server.Enabled || cfg.Server.HTTPAddr == "" {
		return nil
	}
	return server.NewClient(cfg.Server.HTTPAddr, timeout)
}
