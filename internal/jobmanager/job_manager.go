// ============================================================================
// syncd 任務管理器 - Run Sequencer
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 依宣告順序逐一執行同步任務，彙總為 RunSummary
//
// 設計理念:
//   失敗隔離是此元件的核心性質：
//   1. 嚴格依照 JobSpec 宣告順序執行
//   2. 每個 JobSpec 恰好產生一個 StepResult，不論成功、失敗、超時或無法啟動
//   3. 第 i 步的失敗不影響第 i+1 步
//   4. 不在同一次 cycle 內重試，不並行執行
//
// 執行流程:
//   ExecuteAll(ctx, trigger, jobs)
//      ├─ 產生 cycle ID (UUIDv7)
//      ├─ for each job: runner.Run(...) -> StepResult -> recorder.RecordStep
//      └─ types.Summarize(...) -> recorder.RecordCycle -> 回傳
//
// 狀態:
//   除了子程序之外沒有副作用，呼叫之間不保留任何狀態
//
// ============================================================================

package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/syncd/internal/worker"
	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 介面定義
// ============================================================================

// StepRunner 執行單一步驟（由 worker.Worker 實作）
type StepRunner interface {
	Run(ctx context.Context, task worker.Task) types.StepResult
}

// Recorder 接收步驟與 cycle 結果（由 metrics.Collector 實作）
type Recorder interface {
	RecordStep(result types.StepResult)
	RecordCycle(summary types.RunSummary)
}

type nopRecorder struct{}

func (nopRecorder) RecordStep(types.StepResult)  {}
func (nopRecorder) RecordCycle(types.RunSummary) {}

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 依序執行任務清單
type JobManager struct {
	runner   StepRunner
	recorder Recorder
	log      *slog.Logger
	newID    func() string
	now      func() time.Time
}

// Option 設定 JobManager
type Option func(*JobManager)

// WithRecorder 設定結果接收者
func WithRecorder(r Recorder) Option {
	return func(m *JobManager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(m *JobManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithIDGenerator 替換 cycle ID 產生器（測試用）
func WithIDGenerator(f func() string) Option {
	return func(m *JobManager) {
		m.newID = f
	}
}

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *JobManager) {
		m.now = now
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJobManager 建立新的 Run Sequencer
//
// 參數：
//   - runner: 步驟執行器
//   - opts: 選項
//
// 返回值：
//   - *JobManager: 實例（無狀態，可重複使用）
func NewJobManager(runner StepRunner, opts ...Option) *JobManager {
	m := &JobManager{
		runner:   runner,
		recorder: nopRecorder{},
		log:      slog.Default(),
		newID:    newCycleID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExecuteAll 依序執行所有任務並回傳 RunSummary
//
// 參數：
//   - ctx: 傳遞給每個步驟；取消時正在執行的子程序會被終止，其餘步驟仍會被記錄
//   - trigger: scheduled 或 manual
//   - jobs: 任務清單（順序有意義）
//
// 返回值：
//   - types.RunSummary: 每個 JobSpec 恰好一個 StepResult，順序與輸入相同
//
// 錯誤處理：
//   任何步驟錯誤都不會往外拋出，全部轉為 StepResult 資料
func (m *JobManager) ExecuteAll(ctx context.Context, trigger types.Trigger, jobs []types.JobSpec) types.RunSummary {
	cycleID := m.newID()
	startedAt := m.now()
	total := len(jobs)

	m.log.Info("Cycle started",
		"cycle", cycleID,
		"trigger", trigger,
		"jobs", total)

	steps := make([]types.StepResult, 0, total)
	for i, job := range jobs {
		m.log.Info("Step starting",
			"cycle", cycleID,
			"step", fmt.Sprintf("%d/%d", i+1, total),
			"job", job.Name)

		result := m.runStep(ctx, cycleID, job)
		steps = append(steps, result)
		m.recorder.RecordStep(result)
		m.logStep(cycleID, result)
	}

	summary := types.Summarize(cycleID, trigger, startedAt, m.now(), steps)
	m.recorder.RecordCycle(summary)
	m.logSummary(summary)
	return summary
}

// runStep 保證每個 job 都有結果，即使 runner 本身 panic
func (m *JobManager) runStep(ctx context.Context, cycleID string, job types.JobSpec) (result types.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = types.StepResult{
				JobName:  job.Name,
				Outcome:  types.OutcomeLaunchError,
				ExitCode: -1,
				Error:    fmt.Sprintf("runner panic: %v", r),
			}
		}
	}()

	result = m.runner.Run(ctx, worker.Task{Job: job, CycleID: cycleID})
	if result.JobName == "" {
		result.JobName = job.Name
	}
	return result
}

func (m *JobManager) logStep(cycleID string, r types.StepResult) {
	attrs := []any{
		"cycle", cycleID,
		"job", r.JobName,
		"outcome", r.Outcome,
		"duration", r.Duration.Round(time.Millisecond),
	}
	if r.SummaryLine != "" {
		attrs = append(attrs, "summary", r.SummaryLine)
	}

	switch r.Outcome {
	case types.OutcomeSuccess:
		m.log.Info("Step succeeded", attrs...)
	case types.OutcomeFailure:
		m.log.Error("Step failed", append(attrs, "exit_code", r.ExitCode, "error", r.Error)...)
	case types.OutcomeTimeout:
		m.log.Error("Step timed out", append(attrs, "error", r.Error)...)
	default:
		m.log.Error("Step could not be launched", append(attrs, "error", r.Error)...)
	}
}

func (m *JobManager) logSummary(s types.RunSummary) {
	total := len(s.Steps)
	m.log.Info("Cycle completed",
		"cycle", s.ID,
		"trigger", s.Trigger,
		"successes", s.Successes,
		"failures", s.Failures,
		"success_rate", fmt.Sprintf("%d/%d (%.1f%%)", s.Successes, total, s.SuccessRate()),
		"duration", s.Duration().Round(time.Millisecond))

	for _, step := range s.Steps {
		m.log.Info("Cycle step",
			"cycle", s.ID,
			"job", step.JobName,
			"outcome", step.Outcome)
	}

	if !s.AllSucceeded() {
		m.log.Warn("Cycle finished with failures",
			"cycle", s.ID,
			"failures", s.Failures)
	}
}

// newCycleID 使用 UUIDv7（可依時間排序）
func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
