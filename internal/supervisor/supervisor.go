// Package supervisor runs mock server instances, one per port, and keeps track
// of them across supervisor restarts.
//
// Lock hierarchy (to prevent deadlocks):
//  1. per-key lock - serialises Start, Stop and Status for one key
//  2. mu - guards the handle table and the key lock table
//
// mu is never held while waiting on a process.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/mockvisor/internal/env"
	"github.com/loykin/mockvisor/internal/history"
	"github.com/loykin/mockvisor/internal/identity"
	"github.com/loykin/mockvisor/internal/logger"
	"github.com/loykin/mockvisor/internal/logsink"
	"github.com/loykin/mockvisor/internal/metrics"
	"github.com/loykin/mockvisor/internal/probe"
	"github.com/loykin/mockvisor/internal/process"
)

const (
	DefaultName        = "WireMock"
	DefaultStopTimeout = 5 * time.Second
	MaxKey             = 65535

	pollInterval = 25 * time.Millisecond
	logFlushWait = time.Second
)

// Prober is the view of the OS process table the supervisor needs.
type Prober interface {
	Exists(pid int) bool
	Zombie(pid int) bool
	Alive(pid int) bool
	MatchesSignature(pid int, signature string) (bool, error)
	Descendants(pid int) []int
	StartTime(pid int) int64
	Usage(pid int) (probe.Usage, error)
}

// Config configures a Supervisor. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	Name         string         // display name in messages; "WireMock"
	InstancesDir string         // per-instance directories; "wiremock_instances"
	StateFile    string         // identity store; "wiremock_pids.json"
	Launch       process.Launch // required
	PortCheck    bool           // refuse to start when the port is already bound
	StartGrace   time.Duration  // fail the start if the child exits within this window
	StopTimeout  time.Duration  // per escalation step; 5s
	QueueSize    int            // transient log lines kept per instance; 1000
	Rotation     logger.FileConfig
	Env          *env.Env             // child environment; the OS environment when nil
	History      *history.Dispatcher // optional
	Logger       *slog.Logger
	Probe        Prober // gopsutil-backed probe when nil
}

// Status is a point-in-time view of one instance.
type Status struct {
	Key       int          `json:"port"`
	Name      string       `json:"name"`
	State     State        `json:"state"`
	Running   bool         `json:"running"`
	PID       int          `json:"pid,omitempty"`
	Adopted   bool         `json:"adopted,omitempty"`
	RunID     string       `json:"run_id,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	Usage     *probe.Usage `json:"usage,omitempty"`
}

type signalFunc func(pid int, sig syscall.Signal) error

type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	store *identity.Store
	sink  *logsink.Sink
	probe Prober
	env   *env.Env

	signalGroup signalFunc
	signal      signalFunc

	mu       sync.Mutex
	handles  map[int]*handle
	keyLocks map[int]*sync.Mutex
}

// New builds a supervisor and reconciles the identity store against the live
// process table before returning. Survivors are adopted; everything else is
// dropped from the store.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Launch.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.InstancesDir == "" {
		cfg.InstancesDir = "wiremock_instances"
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "wiremock_pids.json"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Probe == nil {
		cfg.Probe = probe.New()
	}
	if cfg.Env == nil {
		cfg.Env = env.New().WithOS()
	}
	if err := os.MkdirAll(cfg.InstancesDir, 0o750); err != nil {
		return nil, fmt.Errorf("create instances dir: %w", err)
	}
	log := cfg.Logger.With("component", "supervisor")
	s := &Supervisor{
		cfg:   cfg,
		log:   log,
		store: identity.New(cfg.StateFile),
		sink: logsink.New(logsink.Config{
			Dir:       cfg.InstancesDir,
			QueueSize: cfg.QueueSize,
			Rotation:  cfg.Rotation,
			Logger:    cfg.Logger,
		}),
		probe:       cfg.Probe,
		env:         cfg.Env,
		signalGroup: process.SignalGroup,
		signal:      process.Signal,
		handles:     make(map[int]*handle),
		keyLocks:    make(map[int]*sync.Mutex),
	}
	if err := s.reconcile(); err != nil {
		_ = s.sink.Close()
		return nil, err
	}
	return s, nil
}

// Name is the display name used in messages.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Start launches the instance for key.
func (s *Supervisor) Start(key int) (string, error) {
	if !ValidKey(key) {
		return "", invalidKey(key)
	}
	unlock := s.lockKey(key)
	defer unlock()

	if h := s.get(key); h != nil {
		if s.alive(h) {
			return "", alreadyRunning(s.cfg.Name, key)
		}
		s.purgeDead(h)
	}

	h, err := s.spawn(key)
	if err != nil {
		metrics.IncSpawnFailure()
		s.record(history.EventSpawnFailed, history.Instance{Key: key, Error: err.Error()})
		s.log.Warn("start failed", "key", key, "error", err)
		return "", &SpawnError{Key: key, Name: s.cfg.Name, Err: err}
	}
	s.setState(h, StateRunning)
	metrics.IncStart()
	s.record(history.EventStart, h.instance())
	s.log.Info("instance started", "key", key, "pid", h.pid, "run_id", h.runID)
	return fmt.Sprintf("Started %s on port %d.", s.cfg.Name, key), nil
}

func (s *Supervisor) spawn(key int) (*handle, error) {
	root, err := filepath.Abs(s.instanceDir(key))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}
	for _, d := range s.cfg.Launch.Scaffold {
		if err := os.MkdirAll(filepath.Join(root, d), 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	if s.cfg.PortCheck {
		if err := process.PortFree(key); err != nil {
			return nil, err
		}
	}

	argv := s.cfg.Launch.Argv(key, root)
	childEnv := s.env.Merge([]string{
		"MOCKVISOR_PORT=" + strconv.Itoa(key),
		"MOCKVISOR_ROOT=" + root,
	})
	sp, err := process.Spawn(argv, s.cfg.Launch.WorkDir, childEnv)
	if err != nil {
		return nil, err
	}
	h := newSpawnedHandle(key, sp)
	h.startUnix = s.probe.StartTime(h.pid)
	s.setState(h, StateStarting)
	go h.wait()

	if err := s.store.Save(key, h.pid); err != nil {
		_ = sp.Output.Close()
		s.kill(h)
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	h.logDone = s.sink.Attach(key, sp.Output)
	s.put(h)

	if g := s.cfg.StartGrace; g > 0 {
		begin := time.Now()
		select {
		case <-h.exited:
			s.drop(h)
			if err := s.store.Remove(key); err != nil {
				s.log.Warn("remove identity record", "key", key, "error", err)
			}
			return nil, fmt.Errorf("exited within start grace %s: %v", g, h.exitErr)
		case <-time.After(g):
			metrics.ObserveStartGrace(time.Since(begin).Seconds())
		}
	}
	return h, nil
}

// kill force-terminates a freshly spawned child that could not be tracked.
func (s *Supervisor) kill(h *handle) {
	_ = s.signalGroup(h.pid, syscall.SIGKILL)
	select {
	case <-h.exited:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("untracked child did not exit after SIGKILL", "key", h.key, "pid", h.pid)
	}
}

// Stop terminates the instance for key and its whole process tree: SIGTERM to
// the group, then SIGKILL to the group and every descendant if anything is
// still alive after StopTimeout.
func (s *Supervisor) Stop(key int) (string, error) {
	if !ValidKey(key) {
		return "", invalidKey(key)
	}
	unlock := s.lockKey(key)
	defer unlock()

	h := s.get(key)
	if h == nil {
		return "", notRunning(key)
	}
	// A dead handle's pid may already belong to another process; never signal it.
	if !s.alive(h) {
		s.purgeDead(h)
		return "", notRunning(key)
	}
	prev := h.state
	s.setState(h, StateStopping)

	forced, err := s.terminate(h)
	if err != nil {
		s.setState(h, prev)
		metrics.IncStopFailure()
		s.log.Error("stop failed", "key", key, "pid", h.pid, "error", err)
		return "", &StopError{Key: key, Name: s.cfg.Name, Err: err}
	}

	if h.logDone != nil {
		select {
		case <-h.logDone:
		case <-time.After(logFlushWait):
		}
	}
	if err := s.store.Remove(key); err != nil {
		s.log.Warn("remove identity record", "key", key, "error", err)
	}
	s.setState(h, StateStopped)
	s.drop(h)
	s.sink.Forget(key)
	metrics.IncStop(forced)
	inst := h.instance()
	inst.Forced = forced
	s.record(history.EventStop, inst)
	s.log.Info("instance stopped", "key", key, "pid", h.pid, "forced", forced)
	return fmt.Sprintf("Stopped %s on port %d.", s.cfg.Name, key), nil
}

func (s *Supervisor) terminate(h *handle) (forced bool, err error) {
	desc := s.probe.Descendants(h.pid)
	if err := s.signalLeader(h.pid, syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("SIGTERM process group %d: %w", h.pid, err)
	}
	if s.waitGone(h, desc, s.cfg.StopTimeout) {
		return false, nil
	}

	s.log.Warn("instance ignored SIGTERM, escalating", "key", h.key, "pid", h.pid, "descendants", len(desc))
	if err := s.signalLeader(h.pid, syscall.SIGKILL); err != nil {
		return true, fmt.Errorf("SIGKILL process group %d: %w", h.pid, err)
	}
	for _, d := range desc {
		if err := s.signal(d, syscall.SIGKILL); err != nil && !process.Gone(err) {
			return true, fmt.Errorf("SIGKILL descendant %d: %w", d, err)
		}
	}
	if !s.waitGone(h, desc, s.cfg.StopTimeout) {
		return true, fmt.Errorf("pid %d still alive after SIGKILL", h.pid)
	}
	return true, nil
}

// signalLeader signals the process group led by pid, falling back to pid
// alone when it does not lead a group. A vanished target is not an error.
func (s *Supervisor) signalLeader(pid int, sig syscall.Signal) error {
	err := s.signalGroup(pid, sig)
	if err == nil {
		return nil
	}
	if !process.Gone(err) {
		return err
	}
	if err := s.signal(pid, sig); err != nil && !process.Gone(err) {
		return err
	}
	return nil
}

// waitGone polls until the parent and every descendant in desc are gone or
// timeout elapses.
func (s *Supervisor) waitGone(h *handle, desc []int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !s.alive(h) && s.allGone(desc) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func (s *Supervisor) allGone(pids []int) bool {
	for _, p := range pids {
		if s.probe.Alive(p) {
			return false
		}
	}
	return true
}

// Status reports whether key is running right now. A tracked instance whose
// process has died is purged as a side effect.
func (s *Supervisor) Status(key int) (Status, error) {
	if !ValidKey(key) {
		return Status{}, invalidKey(key)
	}
	unlock := s.lockKey(key)
	defer unlock()

	h := s.get(key)
	if h == nil {
		return Status{Key: key, Name: s.cfg.Name, State: StateStopped}, nil
	}
	if !s.alive(h) {
		s.purgeDead(h)
		return Status{Key: key, Name: s.cfg.Name, State: StateStopped}, nil
	}
	st := h.status(s.cfg.Name)
	if u, err := s.probe.Usage(h.pid); err == nil {
		st.Usage = &u
	}
	return st, nil
}

// Logs returns the durable log of key regardless of whether it runs.
func (s *Supervisor) Logs(key int) (string, error) {
	if !ValidKey(key) {
		return "", invalidKey(key)
	}
	out, err := s.sink.ReadLog(key)
	if errors.Is(err, logsink.ErrLogNotFound) {
		return "", &stateError{msg: fmt.Sprintf("Log file not found for port %d.", key), kind: ErrLogNotFound}
	}
	return out, err
}

// Tail returns and clears the lines captured since the previous Tail. Lines
// from before a supervisor restart are not included.
func (s *Supervisor) Tail(key int) ([]string, error) {
	if !ValidKey(key) {
		return nil, invalidKey(key)
	}
	return s.sink.Drain(key), nil
}

// Instances lists every tracked key plus every numeric directory under the
// instances directory, sorted by key.
func (s *Supervisor) Instances() ([]Status, error) {
	keys := map[int]struct{}{}
	s.mu.Lock()
	for k := range s.handles {
		keys[k] = struct{}{}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.cfg.InstancesDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list instances dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if k, err := strconv.Atoi(e.Name()); err == nil && ValidKey(k) {
			keys[k] = struct{}{}
		}
	}

	sorted := make([]int, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Ints(sorted)
	out := make([]Status, 0, len(sorted))
	for _, k := range sorted {
		st, err := s.Status(k)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// StopAll stops every tracked instance and joins the errors.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	keys := make([]int, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Ints(keys)

	var errs []error
	for _, k := range keys {
		if _, err := s.Stop(k); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases supervisor resources. Running instances are left alone; the
// next supervisor reconciles them from the identity store.
func (s *Supervisor) Close() error {
	return s.sink.Close()
}

// Pids returns key -> pid for every tracked instance that is still alive.
// Dead handles are left for the next Status or Stop to purge.
func (s *Supervisor) Pids() map[int]int {
	s.mu.Lock()
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	out := make(map[int]int, len(hs))
	for _, h := range hs {
		if s.alive(h) {
			out[h.key] = h.pid
		}
	}
	return out
}

// ValidKey reports whether key is a usable TCP port.
func ValidKey(key int) bool { return key > 0 && key <= MaxKey }

func (s *Supervisor) instanceDir(key int) string {
	return filepath.Join(s.cfg.InstancesDir, strconv.Itoa(key))
}

// alive is the authoritative liveness check. Spawned children are alive until
// their waiter has reaped them; adopted processes must still exist, not be
// zombies, and keep the start time observed at adoption.
func (s *Supervisor) alive(h *handle) bool {
	if h.exited != nil {
		select {
		case <-h.exited:
			return false
		default:
			return true
		}
	}
	if !s.probe.Alive(h.pid) {
		return false
	}
	if h.startUnix != 0 {
		if st := s.probe.StartTime(h.pid); st != 0 && st != h.startUnix {
			return false
		}
	}
	return true
}

// purgeDead forgets a handle whose process died without a stop request.
func (s *Supervisor) purgeDead(h *handle) {
	if err := s.store.Remove(h.key); err != nil {
		s.log.Warn("remove identity record", "key", h.key, "error", err)
	}
	s.setState(h, StateStopped)
	s.drop(h)
	s.sink.Forget(h.key)
	metrics.IncCrash()
	inst := h.instance()
	if h.exitErr != nil {
		inst.Error = h.exitErr.Error()
	}
	s.record(history.EventCrash, inst)
	s.log.Warn("instance exited unexpectedly", "key", h.key, "pid", h.pid, "error", h.exitErr)
}

func (s *Supervisor) setState(h *handle, to State) {
	from := h.state
	h.state = to
	if from != to {
		metrics.RecordStateTransition(from.String(), to.String())
	}
}

func (s *Supervisor) record(t history.EventType, inst history.Instance) {
	inst.Name = s.cfg.Name
	s.cfg.History.Record(history.NewEvent(t, inst))
}

func (s *Supervisor) lockKey(key int) func() {
	s.mu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Supervisor) get(key int) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[key]
}

func (s *Supervisor) put(h *handle) {
	s.mu.Lock()
	s.handles[h.key] = h
	n := len(s.handles)
	s.mu.Unlock()
	metrics.SetRunning(n)
}

func (s *Supervisor) drop(h *handle) {
	s.mu.Lock()
	if s.handles[h.key] == h {
		delete(s.handles, h.key)
	}
	n := len(s.handles)
	s.mu.Unlock()
	metrics.SetRunning(n)
}
