//go:build !windows

package backend

import (
	"os"
	"syscall"
)

// signalGraceful requests cooperative shutdown via SIGTERM.
func signalGraceful(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// signalHard escalates past the graceful SIGTERM to SIGKILL, the same
// non-catchable signal cmd.Process.Kill sends.
func signalHard(proc *os.Process) error {
	return proc.Signal(syscall.SIGKILL)
}
