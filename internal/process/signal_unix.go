//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// SigTerm is the graceful stop signal.
var SigTerm = syscall.SIGTERM

// SignalGroup signals the process group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// Signal signals a single process.
func Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Gone reports whether err means the target no longer exists.
func Gone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
