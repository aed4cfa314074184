package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/syncd/internal/config"
	"github.com/ChuLiYu/syncd/internal/controller"
	"github.com/ChuLiYu/syncd/internal/jobmanager"
	"github.com/ChuLiYu/syncd/internal/lock"
	"github.com/ChuLiYu/syncd/internal/metrics"
	"github.com/ChuLiYu/syncd/internal/server"
	"github.com/ChuLiYu/syncd/internal/status"
	"github.com/ChuLiYu/syncd/internal/worker"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the HTTP/gRPC drain on exit
const shutdownTimeout = 5 * time.Second

func (a *app) buildRunCommand() *cobra.Command {
	var detached bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler in the foreground",
		Long: `Acquire the orchestrator lock and run the daily scheduler until SIGINT/SIGTERM.
Exits 1 without touching the lock when another live instance holds it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runDaemon(ctx, cfg, detached)
		},
	}

	cmd.Flags().BoolVar(&detached, "detached", false, "started by `syncd start` (log to the log file only)")
	cmd.Flags().MarkHidden("detached")

	return cmd
}

// runDaemon 是 `syncd run` 的主體
//
// 流程：
//  1. 建立 logger，取得 orchestrator 鎖（被佔用則立即失敗，不動鎖檔）
//  2. 組裝 Worker -> JobManager -> Controller，掛上 metrics
//  3. 啟動 HTTP/gRPC（若啟用）
//  4. ctx 取消（訊號）時 Stop，等待進行中的 cycle（含 run-now）完成
//  5. 關閉 server，釋放鎖
func (a *app) runDaemon(ctx context.Context, cfg *config.Config, detached bool) error {
	logger, closeLog, err := a.newLogger(cfg, detached)
	if err != nil {
		return err
	}
	defer closeLog()

	sched, err := cfg.ScheduleState()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	collector := metrics.NewCollector(nil)
	guard := newGuard(cfg, logger)

	handle, err := guard.Acquire(config.OrchestratorName)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyRunning) {
			collector.RecordLockContention(config.OrchestratorName)
		}
		logger.Error("Failed to acquire orchestrator lock", "error", err)
		return &ExitError{Code: 1, Err: err}
	}
	defer func() {
		if err := guard.Release(handle); err != nil {
			logger.Warn("Failed to release orchestrator lock", "error", err)
		}
	}()

	logger.Info("Starting syncd",
		"version", Version,
		"pid", os.Getpid(),
		"config", cfg.Path,
		"lock", handle.Record().Path)

	ctrl := controller.NewController(controller.Config{
		Schedule:          sched,
		Jobs:              cfg.Jobs,
		PollInterval:      cfg.Schedule.PollInterval,
		HeartbeatInterval: cfg.Schedule.HeartbeatInterval,
	}, newSequencer(cfg, collector, logger),
		controller.WithLogger(logger),
		controller.WithObserver(collector))

	if cfg.Server.Enabled {
		reporter := status.NewReporter(config.OrchestratorName, guard, sched, status.WithRunSource(ctrl))
		srv := server.New(server.Config{
			HTTPAddr: cfg.Server.HTTPAddr,
			GRPCAddr: cfg.Server.GRPCAddr,
		}, reporter, ctrl, collector.Handler(), logger)

		if err := srv.Start(); err != nil {
			logger.Error("Failed to start server", "error", err)
			return &ExitError{Code: 1, Err: err}
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Server shutdown", "error", err)
			}
		}()

		go func() {
			select {
			case err := <-srv.Errors():
				logger.Error("Server failed, stopping scheduler", "error", err)
				ctrl.Stop()
			case <-ctrl.Done():
			}
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal, stopping gracefully...")
			ctrl.Stop()
		case <-ctrl.Done():
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("scheduler: %w", err)}
	}
	// Start returns at the poll boundary; Stop also waits out a run-now cycle
	ctrl.Stop()

	logger.Info("syncd stopped")
	return nil
}

// newSequencer wires the Step Runner into the Run Sequencer with metrics recording
func newSequencer(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *jobmanager.JobManager {
	w := worker.New(worker.Config{
		GracePeriod:     cfg.Runner.GracePeriod,
		OutputTailBytes: cfg.Runner.OutputTailBytes,
		SummaryMarkers:  cfg.Runner.SummaryMarkers,
		Env:             cfg.Runner.Env,
	}, logger)

	opts := []jobmanager.Option{jobmanager.WithLogger(logger)}
	if collector != nil {
		opts = append(opts, jobmanager.WithRecorder(collector))
	}
	return jobmanager.NewJobManager(w, opts...)
}
