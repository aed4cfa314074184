// Package types 定義了 syncd 系統中使用的核心領域模型
package types

import (
	"time"
)

// Outcome 單一步驟的執行結果分類
type Outcome string

// 定義步驟結果常數
const (
	OutcomeSuccess     Outcome = "success"      // 成功：子程序以 0 結束
	OutcomeFailure     Outcome = "failure"      // 失敗：子程序以非 0 結束
	OutcomeTimeout     Outcome = "timeout"      // 超時：超過 JobSpec.Timeout 被終止
	OutcomeLaunchError Outcome = "launch_error" // 無法啟動：執行檔不存在或不可執行
)

// Trigger 觸發一次 cycle 的來源
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled" // 排程時間到達
	TriggerManual    Trigger = "manual"    // run-now 手動觸發
)

// JobSpec 同步任務定義，啟動時載入後不可變
// 順序有意義：Run Sequencer 嚴格依照宣告順序執行
type JobSpec struct {
	Name    string            `yaml:"name" json:"name"`                     // 顯示名稱
	Command string            `yaml:"command" json:"command"`               // 執行檔（PATH 查找或絕對路徑）
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"` // 參數
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`   // 工作目錄（空白則沿用目前目錄）
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`   // 額外環境變數（覆寫同名變數）
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`               // 牆鐘超時
}

// StepResult 單一 JobSpec 的執行紀錄
type StepResult struct {
	JobName     string        `json:"job_name"`
	Outcome     Outcome       `json:"outcome"`
	ExitCode    int           `json:"exit_code"`             // Failure 時的結束碼；被訊號終止時為 -1
	Error       string        `json:"error,omitempty"`       // LaunchError / Timeout 的說明
	StartedAt   time.Time     `json:"started_at"`            // 開始時間
	Duration    time.Duration `json:"duration"`              // 實際執行時間
	OutputTail  string        `json:"output_tail,omitempty"` // 合併輸出的尾端（有上限）
	SummaryLine string        `json:"summary_line,omitempty"`
}

// Succeeded 是否為成功結果
func (r StepResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// RunSummary 一次 cycle 的彙總，完成後不可變
type RunSummary struct {
	ID         string       `json:"id"`
	Trigger    Trigger      `json:"trigger"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepResult `json:"steps"` // 與 JobSpec 相同順序
	Successes  int          `json:"successes"`
	Failures   int          `json:"failures"`
}

// Summarize 由步驟結果建立 RunSummary 並計算成功/失敗數
func Summarize(id string, trigger Trigger, startedAt, finishedAt time.Time, steps []StepResult) RunSummary {
	s := RunSummary{
		ID:         id,
		Trigger:    trigger,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Steps:      steps,
	}
	for _, step := range steps {
		if step.Succeeded() {
			s.Successes++
		} else {
			s.Failures++
		}
	}
	return s
}

// Duration cycle 總耗時
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// SuccessRate 成功率（百分比）；沒有步驟時為 0
func (s RunSummary) SuccessRate() float64 {
	total := len(s.Steps)
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total) * 100
}

// AllSucceeded 所有步驟皆成功
func (s RunSummary) AllSucceeded() bool {
	return s.Failures == 0
}

// LockRecord 受管程序的鎖檔紀錄
type LockRecord struct {
	Name string `json:"name"` // 受管程序名稱（orchestrator 或 service 名稱）
	PID  int    `json:"pid"`  // 擁有者 process id
	Path string `json:"path"` // 鎖檔路徑
}

// ServiceSpec 受管的長駐服務（dashboard、chat bot 等），每個名稱同時最多一個實例
type ServiceSpec struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir         string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	StopTimeout time.Duration     `yaml:"stop_timeout,omitempty" json:"stop_timeout,omitempty"` // SIGTERM 後等待多久才 SIGKILL
}
