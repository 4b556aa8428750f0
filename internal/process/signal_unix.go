//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup signals the whole process group led by p; children were
// started with Setpgid so the group id equals the pid.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group leader already gone; the direct signal reports the real state
		err = p.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

// Exists reports whether pid refers to a live process.
func Exists(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
