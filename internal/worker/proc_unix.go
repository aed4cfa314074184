//go:build !windows

package worker

import (
	"errors"
	"os/exec"
	"syscall"
)

// Isolate starts cmd in its own process group so signals reach its descendants
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcess sends SIGTERM to the child's process group (shell + spawned children)
func interruptProcess(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGTERM)
}

func killProcess(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}

// Interrupt asks process pid to shut down gracefully
func Interrupt(pid int) error {
	return signalPID(pid, syscall.SIGTERM)
}

// Kill force-terminates process pid
func Kill(pid int) error {
	return signalPID(pid, syscall.SIGKILL)
}

func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	return syscall.Kill(pid, sig)
}

// Detach starts cmd in a new session so it outlives the launching terminal (syncd start)
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
