package worker

import (
	"time"

	"github.com/ChuLiYu/syncd/pkg/types"
)

// Config controls how children are launched and terminated
type Config struct {
	GracePeriod     time.Duration     // Time between SIGTERM and SIGKILL
	OutputTailBytes int               // Output tail bound
	SummaryMarkers  []string          // Markers for SummaryLine extraction
	Env             map[string]string // Overrides applied to every job before the job's own
	BaseEnv         []string          // Base environment; nil means os.Environ()
}

// Task is one step of a cycle
type Task struct {
	Job     types.JobSpec
	CycleID string
}
