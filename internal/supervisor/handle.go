package supervisor

import (
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mockvisor/internal/history"
	"github.com/loykin/mockvisor/internal/process"
)

// handle is the in-memory record of a live instance. Fields other than state
// are fixed at creation; state is only touched under the key lock.
type handle struct {
	key       int
	pid       int
	sp        *process.Spawned // nil when adopted
	exited    chan struct{}    // closed by wait; nil when adopted
	exitErr   error            // valid once exited is closed
	logDone   <-chan struct{}  // nil when adopted
	state     State
	adopted   bool
	startUnix int64
	runID     string
	startedAt time.Time
}

func newSpawnedHandle(key int, sp *process.Spawned) *handle {
	return &handle{
		key:       key,
		pid:       sp.Pid(),
		sp:        sp,
		exited:    make(chan struct{}),
		runID:     uuid.NewString(),
		startedAt: time.Now(),
	}
}

func newAdoptedHandle(key, pid int, startUnix int64) *handle {
	h := &handle{
		key:       key,
		pid:       pid,
		adopted:   true,
		startUnix: startUnix,
		runID:     uuid.NewString(),
		state:     StateAdopted,
	}
	if startUnix > 0 {
		h.startedAt = time.Unix(startUnix, 0)
	}
	return h
}

// wait reaps the child. It is the only caller of cmd.Wait.
func (h *handle) wait() {
	h.exitErr = h.sp.Cmd.Wait()
	close(h.exited)
}

func (h *handle) instance() history.Instance {
	return history.Instance{Key: h.key, PID: h.pid, RunID: h.runID}
}

func (h *handle) status(name string) Status {
	st := Status{
		Key:     h.key,
		Name:    name,
		State:   h.state,
		Running: true,
		PID:     h.pid,
		Adopted: h.adopted,
		RunID:   h.runID,
	}
	if !h.startedAt.IsZero() {
		t := h.startedAt
		st.StartedAt = &t
	}
	return st
}
