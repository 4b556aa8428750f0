//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup has no graceful form on Windows; any non-zero signal terminates.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if sig == 0 {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Exists reports whether pid refers to a live process.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
