//go:build windows

package provider

import (
	"os/exec"
	"strconv"
	"syscall"
)

// setProcessGroup is a no-op on Windows; process-tree termination is
// handled by killProcessGroup via taskkill /T instead of a POSIX group.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup recursively terminates the process tree rooted at pid
// using taskkill, since Windows has no equivalent of POSIX negative-PID
// group signalling.
func killProcessGroup(pid int, _ syscall.Signal) {
	killer := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	_ = killer.Run()
}
