// ============================================================================
// syncd Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 cycle / step / 排程 / 鎖競爭指標，供 /metrics 端點抓取
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - syncd_cycles_total{trigger}: 已完成 cycle 數（scheduled / manual）
//      - syncd_steps_total{job,outcome}: 各任務各結果的步驟數
//      - syncd_lock_contention_total{name}: 啟動時遇到存活實例的次數
//
//   2. 分佈 (Histogram)：
//      - syncd_step_duration_seconds{job}: 單一步驟耗時
//        * 桶分佈: 1s ~ 30min，對應 payments(120s) 到 book closing(600s) 的量級
//
//   3. 狀態 (Gauge)：
//      - syncd_last_cycle_timestamp_seconds: 最近一次 cycle 結束時間
//      - syncd_last_cycle_successes / syncd_last_cycle_failures
//      - syncd_next_fire_timestamp_seconds: 下一次排程觸發時間
//      - syncd_scheduler_state{state}: 目前狀態為 1，其餘為 0
//
// Prometheus 查詢示例:
//
//   # 最近 7 天各任務逾時次數
//   increase(syncd_steps_total{outcome="timeout"}[7d])
//
//   # 昨晚的 cycle 有沒有跑（超過 25 小時沒有完成 cycle 就告警）
//   time() - syncd_last_cycle_timestamp_seconds > 25 * 3600
//
//   # 距離下次觸發的秒數
//   syncd_next_fire_timestamp_seconds - time()
//
// 註冊:
//   NewCollector 接受 prometheus.Registerer，測試可傳入獨立的 Registry，
//   不再共用全域 DefaultRegisterer
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncd"

var schedulerStates = []string{"idle", "waiting", "running", "stopped"}

// Collector Prometheus 指標收集器
type Collector struct {
	// 計數器
	cycles         *prometheus.CounterVec
	steps          *prometheus.CounterVec
	lockContention *prometheus.CounterVec

	// 分佈
	stepDuration *prometheus.HistogramVec

	// 狀態
	lastCycleTime      prometheus.Gauge
	lastCycleSuccesses prometheus.Gauge
	lastCycleFailures  prometheus.Gauge
	nextFire           prometheus.Gauge
	schedulerState     *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector 建立收集器並註冊到 reg。reg 為 nil 時使用獨立的新 Registry。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of completed sync cycles",
		}, []string{"trigger"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed steps by job and outcome",
		}, []string{"job", "outcome"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Total number of lock acquisitions refused because a live owner exists",
		}, []string{"name"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step wall-clock duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"job"}),
		lastCycleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished",
		}),
		lastCycleSuccesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_successes",
			Help:      "Successful steps in the last cycle",
		}),
		lastCycleFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_failures",
			Help:      "Failed steps in the last cycle",
		}),
		nextFire: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_fire_timestamp_seconds",
			Help:      "Unix time of the next scheduled cycle",
		}),
		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Current scheduler state (1 for the active state)",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.cycles,
		c.steps,
		c.lockContention,
		c.stepDuration,
		c.lastCycleTime,
		c.lastCycleSuccesses,
		c.lastCycleFailures,
		c.nextFire,
		c.schedulerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	c.SetSchedulerState("idle")
	return c
}

// RecordStep 記錄單一步驟結果
func (c *Collector) RecordStep(r types.StepResult) {
	c.steps.WithLabelValues(r.JobName, string(r.Outcome)).Inc()
	c.stepDuration.WithLabelValues(r.JobName).Observe(r.Duration.Seconds())
}

// RecordCycle 記錄一次 cycle 的彙總
func (c *Collector) RecordCycle(s types.RunSummary) {
	c.cycles.WithLabelValues(string(s.Trigger)).Inc()
	c.lastCycleTime.Set(float64(s.FinishedAt.Unix()))
	c.lastCycleSuccesses.Set(float64(s.Successes))
	c.lastCycleFailures.Set(float64(s.Failures))
}

// RecordLockContention 記錄鎖競爭
func (c *Collector) RecordLockContention(name string) {
	c.lockContention.WithLabelValues(name).Inc()
}

// SetNextFire 設置下一次觸發時間
func (c *Collector) SetNextFire(t time.Time) {
	c.nextFire.Set(float64(t.Unix()))
}

// SetSchedulerState 將目前狀態設為 1，其餘設為 0
func (c *Collector) SetSchedulerState(state string) {
	for _, s := range schedulerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.schedulerState.WithLabelValues(s).Set(v)
	}
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Gatherer 回傳收集器所在的 Gatherer
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}
