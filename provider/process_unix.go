//go:build !windows

package provider

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so that
// killProcessGroup can reach it and any grandchildren it spawns with a
// single negative-PID signal.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup signals the entire process group rooted at pid. A
// negative pid targets the group rather than the single process.
func killProcessGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}
