// Package status answers "is the orchestrator alive, how did the last
// cycle go, and when is the next one" for status callers and monitors.
package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/syncd/internal/schedule"
	"github.com/ChuLiYu/syncd/pkg/types"
)

// LockInspector reads lock ownership (lock.Guard)
type LockInspector interface {
	Owner(name string) (rec types.LockRecord, live bool, ok bool, err error)
}

// RunSource provides the in-process view of the scheduler (controller.Controller)
type RunSource interface {
	LastRun() (types.RunSummary, bool)
	SchedulerState() string
}

// Report is a point-in-time status snapshot
type Report struct {
	Name     string            `json:"name"`
	Live     bool              `json:"live"`
	PID      int               `json:"pid,omitempty"`
	State    string            `json:"state,omitempty"`
	Schedule string            `json:"schedule"`
	NextFire time.Time         `json:"next_fire"`
	NextIn   string            `json:"next_in"`
	LastRun  *types.RunSummary `json:"last_run,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Reporter builds Reports from the lock guard and the schedule
type Reporter struct {
	name     string
	locks    LockInspector
	schedule schedule.State
	source   RunSource
	now      func() time.Time
}

// Option configures a Reporter
type Option func(*Reporter)

// WithRunSource attaches the running scheduler so reports carry LastRun and State
func WithRunSource(src RunSource) Option {
	return func(r *Reporter) {
		r.source = src
	}
}

// WithClock replaces time.Now (tests)
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// NewReporter creates a Reporter for the lock named name
func NewReporter(name string, locks LockInspector, sched schedule.State, opts ...Option) *Reporter {
	r := &Reporter{
		name:     name,
		locks:    locks,
		schedule: sched,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report returns liveness from the lock, NextFire from the same calculation
// the scheduler uses, and LastRun when a run source is attached.
func (r *Reporter) Report() Report {
	now := r.now()
	fire := r.schedule.NextFire(now)

	rep := Report{
		Name:     r.name,
		Schedule: r.schedule.String(),
		NextFire: fire,
		NextIn:   schedule.Until(now, fire).String(),
	}

	rec, live, ok, err := r.locks.Owner(r.name)
	switch {
	case err != nil:
		rep.Error = err.Error()
	case ok && live:
		rep.Live = true
		rep.PID = rec.PID
	}

	if r.source != nil {
		rep.State = r.source.SchedulerState()
		if last, ok := r.source.LastRun(); ok {
			rep.LastRun = &last
		}
	}
	return rep
}

// Print writes a human-readable report
func Print(w io.Writer, rep Report) {
	if rep.Live {
		fmt.Fprintf(w, "%s: running (pid %d)\n", rep.Name, rep.PID)
	} else {
		fmt.Fprintf(w, "%s: not running\n", rep.Name)
	}
	if rep.State != "" {
		fmt.Fprintf(w, "  state:     %s\n", rep.State)
	}
	fmt.Fprintf(w, "  schedule:  %s\n", rep.Schedule)
	fmt.Fprintf(w, "  next run:  %s (in %s)\n", rep.NextFire.Format(time.RFC3339), rep.NextIn)

	if rep.LastRun != nil {
		s := rep.LastRun
		fmt.Fprintf(w, "  last run:  %s %s, %d/%d succeeded (%.1f%%) in %s\n",
			s.Trigger, s.FinishedAt.Format(time.RFC3339),
			s.Successes, len(s.Steps), s.SuccessRate(),
			s.Duration().Round(time.Second))
		for _, step := range s.Steps {
			line := fmt.Sprintf("    %-20s %s", step.JobName, step.Outcome)
			if step.SummaryLine != "" {
				line += "  " + step.SummaryLine
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", rep.Error)
	}
}
