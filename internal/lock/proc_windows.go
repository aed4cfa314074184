//go:build windows

package lock

import (
	"os"
)

// processAlive on Windows: FindProcess opens a handle and fails for unknown PIDs.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
