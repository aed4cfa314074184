package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/syncd/internal/config"
	"github.com/ChuLiYu/syncd/internal/service"
	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/spf13/cobra"
)

func (a *app) buildServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage long-running helper services",
		Long:  "Run, start, stop and inspect the services listed under `services:` in the config, one instance per name.",
	}

	cmd.AddCommand(a.buildServiceRunCommand())
	cmd.AddCommand(a.buildServiceStartCommand())
	cmd.AddCommand(a.buildServiceStopCommand())
	cmd.AddCommand(a.buildServiceStatusCommand())
	return cmd
}

// lookupService resolves a configured service by name
func lookupService(cfg *config.Config, name string) (types.ServiceSpec, error) {
	spec, ok := cfg.Service(name)
	if !ok {
		return types.ServiceSpec{}, &ExitError{Code: 1, Err: fmt.Errorf("unknown service %q", name)}
	}
	return spec, nil
}

func (a *app) buildServiceRunCommand() *cobra.Command {
	var detached bool

	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a service in the foreground under its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			spec, err := lookupService(cfg, args[0])
			if err != nil {
				return err
			}

			logger, closeLog, err := a.newLogger(cfg, detached)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sup := service.NewSupervisor(newGuard(cfg, logger),
				service.WithLogger(logger),
				service.WithOutput(cmd.OutOrStdout()))
			if err := sup.Run(ctx, spec); err != nil {
				logger.Error("Service failed", "service", spec.Name, "error", err)
				return &ExitError{Code: 1, Err: err}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&detached, "detached", false, "started by `syncd service start`")
	cmd.Flags().MarkHidden("detached")
	return cmd
}

func (a *app) buildServiceStartCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a service in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			spec, err := lookupService(cfg, args[0])
			if err != nil {
				return err
			}

			logPath := detachedLogPath(cfg, spec.Name)
			pid, err := service.Launch(newGuard(cfg, nil), service.LaunchOptions{
				Name:    spec.Name,
				Args:    []string{"service", "run", spec.Name, "--config", a.absConfigPath(), "--detached"},
				LogFile: logPath,
				Wait:    wait,
			})
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Fprintf(a.out, "%s started (pid %d), logging to %s\n", spec.Name, pid, logPath)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", service.DefaultLaunchWait, "how long to wait for the lock")
	return cmd
}

func (a *app) buildServiceStopCommand() *cobra.Command {
	var opts service.StopOptions

	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			spec, err := lookupService(cfg, args[0])
			if err != nil {
				return err
			}
			if opts.Timeout <= 0 {
				// supervisor needs its own stop_timeout to wind the child down
				grace := spec.StopTimeout
				if grace <= 0 {
					grace = service.DefaultStopTimeout
				}
				opts.Timeout = grace + 5*time.Second
			}
			return a.stopNamed(cfg, spec.Name, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "wait after SIGTERM (default stop_timeout + 5s)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "SIGKILL when --timeout expires")
	return cmd
}

func (a *app) buildServiceStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [name...]",
		Short: "Show service liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				for _, s := range cfg.Services {
					names = append(names, s.Name)
				}
			}
			for _, name := range names {
				if _, err := lookupService(cfg, name); err != nil {
					return err
				}
			}

			statuses := service.Inspect(newGuard(cfg, nil), names...)
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(a.out, "no services configured")
				return nil
			}
			printServices(a.out, statuses)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
