//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// SigTerm is the graceful stop signal.
var SigTerm = syscall.SIGTERM

// SignalGroup terminates pid; Windows has no group signal equivalent here.
func SignalGroup(pid int, sig syscall.Signal) error {
	return Signal(pid, sig)
}

// Signal terminates pid. Windows cannot deliver SIGTERM so both signals kill.
func Signal(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return syscall.ESRCH
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return syscall.ESRCH
		}
		return err
	}
	return nil
}

func Gone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}
