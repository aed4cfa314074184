package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/syncd/internal/config"
	"github.com/ChuLiYu/syncd/internal/server"
	"github.com/ChuLiYu/syncd/internal/service"
	"github.com/ChuLiYu/syncd/internal/status"
	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// apiTimeout bounds status and health calls to the daemon
const apiTimeout = 3 * time.Second

// ============================================================================
// start / stop
// ============================================================================

func (a *app) buildStartCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler in the background",
		Long:  "Re-execute `syncd run` in a new session and wait until it owns the orchestrator lock.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			pid, err := service.Launch(newGuard(cfg, nil), service.LaunchOptions{
				Name:    config.OrchestratorName,
				Args:    []string{"run", "--config", a.absConfigPath(), "--detached"},
				LogFile: detachedLogPath(cfg, config.OrchestratorName),
				Wait:    wait,
			})
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Fprintf(a.out, "%s started (pid %d), logging to %s\n",
				config.OrchestratorName, pid, detachedLogPath(cfg, config.OrchestratorName))
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", service.DefaultLaunchWait, "how long to wait for the lock")
	return cmd
}

func (a *app) buildStopCommand() *cobra.Command {
	var opts service.StopOptions

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running scheduler",
		Long: `Send SIGTERM to the process holding the orchestrator lock and wait for it to exit.
A cycle in progress completes before the scheduler exits, so raise --timeout accordingly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return a.stopNamed(cfg, config.OrchestratorName, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "wait after SIGTERM")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "SIGKILL when --timeout expires")
	return cmd
}

// stopNamed stops the lock owner of name. Not running is reported, not an error.
func (a *app) stopNamed(cfg *config.Config, name string, opts service.StopOptions) error {
	pid, err := service.Stop(newGuard(cfg, nil), name, opts)
	switch {
	case errors.Is(err, service.ErrNotRunning):
		fmt.Fprintf(a.out, "%s is not running\n", name)
		return nil
	case err != nil:
		return &ExitError{Code: 1, Err: err}
	}
	fmt.Fprintf(a.out, "%s stopped (pid %d)\n", name, pid)
	return nil
}

// ============================================================================
// status
// ============================================================================

type statusOutput struct {
	Orchestrator status.Report   `json:"orchestrator"`
	Services     []service.Status `json:"services,omitempty"`
}

func (a *app) buildStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long: `Report whether the scheduler is live, when the next run fires and how the last run went.
The last run is only known to the daemon; without its status API the report is lock-only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return a.showStatus(cmd.Context(), cfg, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) showStatus(ctx context.Context, cfg *config.Config, asJSON bool) error {
	out := a.collectStatus(ctx, cfg)

	if asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	status.Print(a.out, out.Orchestrator)
	printServices(a.out, out.Services)
	return nil
}

func (a *app) collectStatus(ctx context.Context, cfg *config.Config) statusOutput {
	guard := newGuard(cfg, nil)
	sched, _ := cfg.ScheduleState()
	rep := status.NewReporter(config.OrchestratorName, guard, sched).Report()

	if rep.Live {
		if client := apiClient(cfg, apiTimeout); client != nil {
			if remote, err := client.Status(ctx); err == nil {
				rep = remote
			}
		}
	}

	names := make([]string, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		names = append(names, s.Name)
	}
	return statusOutput{Orchestrator: rep, Services: service.Inspect(guard, names...)}
}

func printServices(w io.Writer, services []service.Status) {
	if len(services) == 0 {
		return
	}
	fmt.Fprintln(w, "services:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range services {
		state := "stopped"
		switch {
		case s.Error != "":
			state = "error: " + s.Error
		case s.Live:
			state = fmt.Sprintf("running (pid %d)", s.PID)
		}
		fmt.Fprintf(tw, "  %s\t%s\n", s.Name, state)
	}
	tw.Flush()
}

// ============================================================================
// run-now
// ============================================================================

func (a *app) buildRunNowCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run-now",
		Short: "Run one cycle immediately",
		Long: `Run every job once, outside the schedule. When the daemon is live the cycle runs inside it
(through its status API); otherwise this process takes the orchestrator lock and runs the cycle itself.
Exits 1 when any step did not succeed. The next scheduled run is unaffected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := a.runNow(ctx, cfg)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				enc.Encode(summary)
			} else {
				printSummary(a.out, summary)
			}
			if !summary.AllSucceeded() {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d steps failed", summary.Failures, len(summary.Steps))}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as JSON")
	return cmd
}

func (a *app) runNow(ctx context.Context, cfg *config.Config) (types.RunSummary, error) {
	guard := newGuard(cfg, nil)

	if guard.IsLive(config.OrchestratorName) {
		client := apiClient(cfg, 0)
		if client == nil {
			return types.RunSummary{}, &ExitError{Code: 1,
				Err: errors.New("scheduler is running without its status API (server.enabled=false); cannot trigger it remotely")}
		}
		summary, err := client.RunNow(ctx)
		if err != nil {
			return types.RunSummary{}, &ExitError{Code: 1, Err: err}
		}
		return summary, nil
	}

	logger, closeLog, err := a.newLogger(cfg, false)
	if err != nil {
		return types.RunSummary{}, err
	}
	defer closeLog()
	guard = newGuard(cfg, logger)

	handle, err := guard.Acquire(config.OrchestratorName)
	if err != nil {
		// lost a race with `syncd run` starting up
		return types.RunSummary{}, &ExitError{Code: 1, Err: err}
	}
	defer guard.Release(handle)

	return newSequencer(cfg, nil, logger).ExecuteAll(ctx, types.TriggerManual, cfg.Jobs), nil
}

func printSummary(w io.Writer, s types.RunSummary) {
	fmt.Fprintf(w, "cycle %s (%s): %d/%d succeeded (%.1f%%) in %s\n",
		s.ID, s.Trigger, s.Successes, len(s.Steps), s.SuccessRate(), s.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range s.Steps {
		detail := r.SummaryLine
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", r.JobName, r.Outcome, r.Duration.Round(time.Millisecond), detail)
	}
	tw.Flush()
}

// ============================================================================
// healthcheck
// ============================================================================

func (a *app) buildHealthcheckCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the running daemon",
		Long:  "Query the gRPC health service when grpc_addr is set, otherwise GET /healthz. Exits 1 unless serving.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return a.healthcheck(ctx, cfg)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", apiTimeout, "probe timeout")
	return cmd
}

func (a *app) healthcheck(ctx context.Context, cfg *config.Config) error {
	if !cfg.Server.Enabled {
		return &ExitError{Code: 1, Err: errors.New("server is disabled (server.enabled=false)")}
	}

	if cfg.Server.GRPCAddr != "" {
		st, err := server.CheckHealth(ctx, cfg.Server.GRPCAddr)
		if err != nil {
			return &ExitError{Code: 1, Err: err}
		}
		fmt.Fprintf(a.out, "%s: %s\n", cfg.Server.GRPCAddr, st)
		if st != healthpb.HealthCheckResponse_SERVING {
			return &ExitError{Code: 1, Err: fmt.Errorf("daemon is %s", st)}
		}
		return nil
	}

	if err := server.NewClient(cfg.Server.HTTPAddr, apiTimeout).Healthz(ctx); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	fmt.Fprintf(a.out, "%s: ok\n", cfg.Server.HTTPAddr)
	return nil
}
