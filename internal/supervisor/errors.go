package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/mockvisor/internal/identity"
	"github.com/loykin/mockvisor/internal/logsink"
	"github.com/loykin/mockvisor/internal/probe"
)

var (
	ErrAlreadyRunning = errors.New("instance already running")
	ErrNotRunning     = errors.New("instance not running")
	ErrSpawnFailed    = errors.New("spawn failed")
	ErrStopFailed     = errors.New("stop failed")
	ErrInvalidKey     = errors.New("invalid instance key")

	ErrStoreCorrupt     = identity.ErrStoreCorrupt
	ErrProbeUnavailable = probe.ErrProbeUnavailable
	ErrLogNotFound      = logsink.ErrLogNotFound
)

// SpawnError reports a failed start. Nothing is persisted when it is returned.
type SpawnError struct {
	Key  int
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("Failed to start %s on port %d: %v", e.Name, e.Key, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// StopError reports a stop that could not be completed; the instance stays tracked.
type StopError struct {
	Key  int
	Name string
	Err  error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("Error stopping %s on port %d: %v", e.Name, e.Key, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

func (e *StopError) Is(target error) bool { return target == ErrStopFailed }

// stateError carries a user-facing message and matches one sentinel.
type stateError struct {
	msg  string
	kind error
}

func (e *stateError) Error() string { return e.msg }

func (e *stateError) Is(target error) bool { return target == e.kind }

func alreadyRunning(name string, key int) error {
	return &stateError{msg: fmt.Sprintf("%s is already running on port %d.", name, key), kind: ErrAlreadyRunning}
}

func notRunning(key int) error {
	return &stateError{msg: fmt.Sprintf("No running instance found for port %d.", key), kind: ErrNotRunning}
}

func invalidKey(key int) error {
	return &stateError{msg: fmt.Sprintf("Invalid port %d.", key), kind: ErrInvalidKey}
}
