// ============================================================================
// syncd 控制器 - 每日排程器 (Scheduler)
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 計算下一次觸發時間、以有界輪詢等待、到點時執行一次完整 cycle
//
// 狀態機:
//
//   Idle ──Start──▶ Waiting ──到點──▶ Running ──cycle 完成──▶ Waiting ...
//                     │                                        │
//                     └──────────── Stop / ctx ──────────▶ Stopped
//
//   - Waiting: 每次輪詢最多睡 PollInterval，因此 Stop 會在下一個輪詢邊界生效
//   - Running: cycle 一定跑完，Stop 不會中斷正在執行的 cycle
//   - Stopped: 終止狀態，只能由 Stop 或 ctx 取消進入
//
// 觸發時間:
//   每次進入 Waiting 都重新計算 schedule.NextFire(now)，不跨迭代快取，
//   時區或系統時鐘變動會在下一輪自動修正
//
// RunNow:
//   同步執行一次 manual cycle，與排程 cycle 共用 runMu 互斥，
//   不修改下一次排程觸發時間。Stop 之後的 RunNow 一律回傳 ErrStopped，
//   Stop 會等待已開始的 manual cycle 跑完
//
// 補跑策略:
//   程序未執行期間錯過的觸發點不補跑，失敗的任務不在同一個 cycle 重試
//
// 並發安全:
//   - mu 保護 phase / running / lastRun / stopping
//   - runMu 保證同一時間最多一個 cycle
//   - manual 追蹤 Start 迴圈之外的 RunNow
//   - stopCh + done 用於協作式關閉
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/syncd/internal/schedule"
	"github.com/ChuLiYu/syncd/pkg/types"
)

var (
	// ErrStopped 排程器已停止
	ErrStopped = errors.New("controller: scheduler stopped")

	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("controller: scheduler already started")

	// ErrCycleInProgress 已經有 cycle 正在執行
	ErrCycleInProgress = errors.New("controller: cycle in progress")
)

const (
	DefaultPollInterval      = 10 * time.Second
	DefaultHeartbeatInterval = time.Hour
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 排程器狀態
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sequencer 執行一次完整 cycle（由 jobmanager.JobManager 實作）
type Sequencer interface {
	ExecuteAll(ctx context.Context, trigger types.Trigger, jobs []types.JobSpec) types.RunSummary
}

// Observer 接收排程器狀態變化（由 metrics.Collector 實作）
type Observer interface {
	SetNextFire(t time.Time)
	SetSchedulerState(state string)
}

type nopObserver struct{}

func (nopObserver) SetNextFire(time.Time)      {}
func (nopObserver) SetSchedulerState(string) {}

// Config 排程器配置
type Config struct {
	Schedule          schedule.State  // 每日觸發時間與時區
	Jobs              []types.JobSpec // 任務清單（順序固定）
	PollInterval      time.Duration   // 輪詢間隔上限
	HeartbeatInterval time.Duration   // 等待期間的心跳日誌間隔
}

// Controller 每日排程器
type Controller struct {
	mu       sync.Mutex        // 保護以下狀態欄位
	phase    State             // 循環所處階段（Idle/Waiting/Stopped）
	running  bool              // 是否有 cycle 執行中
	lastRun  *types.RunSummary // 最近一次 cycle 結果
	started  bool              // Start 是否已被呼叫
	stopping bool              // Stop 已被呼叫，拒絕新的 RunNow

	runMu     sync.Mutex     // 同一時間最多一個 cycle
	manual    sync.WaitGroup // 進行中的 RunNow
	sequencer Sequencer
	config    Config
	observer  Observer
	log       *slog.Logger
	now       func() time.Time

	stopCh   chan struct{} // 停止訊號
	stopOnce sync.Once
	done     chan struct{} // Start 返回時關閉
}

// Option 設定 Controller
type Option func(*Controller)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver 設定狀態觀察者
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock 替換時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立排程器，零值欄位套用預設值
//
// 參數：
//   - config: 排程配置
//   - sequencer: cycle 執行者
//
// 返回值：
//   - *Controller: 處於 Idle 狀態的排程器
func NewController(config Config, sequencer Sequencer, opts ...Option) *Controller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}

	c := &Controller{
		phase:     StateIdle,
		sequencer: sequencer,
		config:    config,
		observer:  nopObserver{},
		log:       slog.Default(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 進入排程循環並阻塞，直到 Stop 或 ctx 取消
//
// 流程：
//  1. 計算 NextFire，進入 Waiting
//  2. 有界輪詢直到到點（或收到停止訊號）
//  3. 進入 Running 執行 cycle，完成後回到步驟 1
//
// 返回值：
//   - error: 已停止時為 ErrStopped，重複啟動為 ErrAlreadyStarted，正常關閉為 nil
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == StateStopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	defer close(c.done)
	defer c.setPhase(StateStopped)

	c.log.Info("Scheduler started",
		"schedule", c.config.Schedule.String(),
		"jobs", len(c.config.Jobs),
		"poll_interval", c.config.PollInterval)

	for {
		now := c.now()
		fire := c.config.Schedule.NextFire(now)
		c.observer.SetNextFire(fire)
		c.setPhase(StateWaiting)

		c.log.Info("Next run scheduled",
			"at", fire.Format(time.RFC3339),
			"in", schedule.Until(now, fire))

		if !c.wait(ctx, fire) {
			c.log.Info("Scheduler stopped")
			return nil
		}

		// cycle 不受 ctx 取消影響，一定跑完
		if _, err := c.runCycle(context.WithoutCancel(ctx), types.TriggerScheduled, true); err != nil {
			c.log.Error("Scheduled cycle not run", "error", err)
		}
	}
}

// wait 以有界間隔輪詢直到 fire，回傳 false 表示收到停止訊號
func (c *Controller) wait(ctx context.Context, fire time.Time) bool {
	lastBeat := c.now()

	for {
		now := c.now()
		if !now.Before(fire) {
			return true
		}

		if now.Sub(lastBeat) >= c.config.HeartbeatInterval {
			c.log.Info("Scheduler waiting",
				"next_run", fire.Format(time.RFC3339),
				"in", schedule.Until(now, fire))
			lastBeat = now
		}

		sleep := fire.Sub(now)
		if sleep > c.config.PollInterval {
			sleep = c.config.PollInterval
		}

		timer := time.NewTimer(sleep)
		select {
		case <-c.stopCh:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// RunNow 同步執行一次 manual cycle，不改變下一次排程觸發時間
//
// 返回值：
//   - types.RunSummary: 與排程 cycle 相同結構
//   - error: ErrStopped 或 ErrCycleInProgress
func (c *Controller) RunNow(ctx context.Context) (types.RunSummary, error) {
	c.mu.Lock()
	if c.stopping || c.phase == StateStopped {
		c.mu.Unlock()
		return types.RunSummary{}, ErrStopped
	}
	c.manual.Add(1)
	c.mu.Unlock()
	defer c.manual.Done()

	return c.runCycle(ctx, types.TriggerManual, false)
}

// runCycle 執行一次 cycle。block 為 false 時，已有 cycle 執行中則回傳 ErrCycleInProgress
func (c *Controller) runCycle(ctx context.Context, trigger types.Trigger, block bool) (types.RunSummary, error) {
	if block {
		c.runMu.Lock()
	} else if !c.runMu.TryLock() {
		return types.RunSummary{}, ErrCycleInProgress
	}
	defer c.runMu.Unlock()

	c.setRunning(true)
	summary := c.sequencer.ExecuteAll(ctx, trigger, c.config.Jobs)

	c.mu.Lock()
	c.lastRun = &summary
	c.mu.Unlock()
	c.setRunning(false)

	return summary, nil
}

// Stop 協作式關閉：在下一個輪詢邊界生效，進行中的 cycle（排程或 manual）會先完成。
// 阻塞直到 Start 返回且所有 RunNow 結束。重複呼叫安全。
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.log.Info("Stopping scheduler...")
		close(c.stopCh)
	})

	c.mu.Lock()
	c.stopping = true
	started := c.started
	if !started {
		c.phase = StateStopped
	}
	c.mu.Unlock()

	if started {
		<-c.done
	}
	c.manual.Wait()
}

// Done 在 Start 返回後關閉
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// ============================================================================
// 查詢方法
// ============================================================================

// State 回傳目前狀態，cycle 執行中一律為 Running
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// SchedulerState 回傳狀態名稱（status.RunSource）
func (c *Controller) SchedulerState() string {
	return c.State().String()
}

func (c *Controller) stateLocked() State {
	if c.running {
		return StateRunning
	}
	return c.phase
}

// LastRun 回傳最近一次 cycle 結果
func (c *Controller) LastRun() (types.RunSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return types.RunSummary{}, false
	}
	return *c.lastRun, true
}

// NextFire 以目前時間重新計算下一次觸發時間
func (c *Controller) NextFire() time.Time {
	return c.config.Schedule.NextFire(c.now())
}

func (c *Controller) setPhase(s State) {
	c.mu.Lock()
	c.phase = s
	state := c.stateLocked()
	c.mu.Unlock()
	c.observer.SetSchedulerState(state.String())
}

func (c *Controller) setRunning(running bool) {
	c.mu.Lock()
	c.running = running
	state := c.stateLocked()
	c.mu.Unlock()
	c.observer.SetSchedulerState(state.String())
}
