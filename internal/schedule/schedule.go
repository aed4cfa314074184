// Package schedule computes daily fire instants in a named time zone.
//
// The Scheduler and the Status Reporter both call NextFire so that
// "time until next run" never disagrees between them.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeOfDay is returned for anything that is not HH:MM in 00:00..23:59
var ErrInvalidTimeOfDay = errors.New("schedule: invalid time of day")

// TimeOfDay is a wall-clock time without a date
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" (24h)
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 || len(hh) == 0 || len(hh) > 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// State is the configured daily trigger: a time of day in a zone
type State struct {
	At       TimeOfDay
	Location *time.Location
}

// NewState parses the time of day and loads the named zone
func NewState(at, zone string) (State, error) {
	tod, err := ParseTimeOfDay(at)
	if err != nil {
		return State{}, err
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return State{}, fmt.Errorf("schedule: load zone %q: %w", zone, err)
	}
	return State{At: tod, Location: loc}, nil
}

func (s State) String() string {
	if s.Location == nil {
		return s.At.String()
	}
	return s.At.String() + " " + s.Location.String()
}

// NextFire returns today's fire instant in the zone if it is still after now,
// otherwise the same time of day on the next calendar day.
func (s State) NextFire(now time.Time) time.Time {
	return NextFire(now, s.At, s.Location)
}

// NextFire is the time-zone-aware calculation behind State.NextFire.
// A nil loc means UTC. A time of day skipped by a DST jump resolves to the
// instant time.Date normalizes it to.
func NextFire(now time.Time, at TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()

	fire := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, loc)
	if fire.After(now) {
		return fire
	}
	return time.Date(y, m, d+1, at.Hour, at.Minute, 0, 0, loc)
}

// Until is the wait until fire rounded to seconds, never negative
func Until(now, fire time.Time) time.Duration {
	d := fire.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}
