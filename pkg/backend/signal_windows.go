//go:build windows

package backend

import "os"

// signalGraceful has no cooperative-shutdown signal on Windows without job
// objects; callers rely on the hard/force-kill escalation instead.
func signalGraceful(proc *os.Process) error {
	return nil
}

// signalHard terminates the process outright; Windows has no SIGTERM
// equivalent for an arbitrary child process.
func signalHard(proc *os.Process) error {
	return proc.Kill()
}
