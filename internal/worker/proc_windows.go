//go:build windows

package worker

import (
	"errors"
	"os"
	"os/exec"
)

// Isolate is a no-op on Windows
func Isolate(cmd *exec.Cmd) {}

// Windows has no SIGTERM for arbitrary processes; both phases kill.
func interruptProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// Interrupt asks process pid to shut down
func Interrupt(pid int) error {
	return Kill(pid)
}

// Kill force-terminates process pid
func Kill(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// Detach is a no-op on Windows
func Detach(cmd *exec.Cmd) {}
