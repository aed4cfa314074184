package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning indicates a live process already owns the lock
	ErrAlreadyRunning = errors.New("lock: already running")

	// ErrNotHeld indicates the lock file no longer belongs to the handle's owner
	ErrNotHeld = errors.New("lock: not held by this process")

	// errReclaimBusy is returned while another caller is reclaiming the same stale lock
	errReclaimBusy = errors.New("lock: reclaim in progress")
)

// ContentionError reports which process holds a contested lock
type ContentionError struct {
	Name string // Managed process name
	PID  int    // Owner PID (0 when unknown)
}

func (e *ContentionError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock: %s already running (pid %d)", e.Name, e.PID)
	}
	return fmt.Sprintf("lock: %s already running", e.Name)
}

func (e *ContentionError) Unwrap() error {
	return ErrAlreadyRunning
}
