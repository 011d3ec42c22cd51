//go:build !windows

package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mockvisor/internal/identity"
	"github.com/loykin/mockvisor/internal/probe"
	"github.com/loykin/mockvisor/internal/process"
)

var sleeper = process.Launch{
	Command:   []string{"/bin/sh", "-c", "echo started {port} in {root}; exec sleep 30"},
	Signature: "sleep 30",
	Scaffold:  []string{"mappings", "__files"},
}

func skipIfNoProcesses(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns processes")
	}
}

func testConfig(t *testing.T, launch process.Launch) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		InstancesDir: filepath.Join(dir, "instances"),
		StateFile:    filepath.Join(dir, "pids.json"),
		Launch:       launch,
		StopTimeout:  500 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.StopAll()
		_ = s.Close()
	})
	return s
}

func records(t *testing.T, cfg Config) map[int]int {
	t.Helper()
	m, err := identity.New(cfg.StateFile).List()
	require.NoError(t, err)
	return m
}

// startExternal launches a process outside any supervisor, as a previous
// supervisor run would have left it.
func startExternal(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestNeverStartedKey(t *testing.T) {
	s := newSupervisor(t, testConfig(t, sleeper))

	st, err := s.Status(18080)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, StateStopped, st.State)

	_, err = s.Stop(18080)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, "No running instance found for port 18080.", err.Error())
}

func TestInvalidKey(t *testing.T) {
	s := newSupervisor(t, testConfig(t, sleeper))
	for _, k := range []int{0, -1, 65536} {
		_, err := s.Start(k)
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = s.Stop(k)
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = s.Status(k)
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = s.Logs(k)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
}

func TestNewRequiresLaunchCommand(t *testing.T) {
	_, err := New(testConfig(t, process.Launch{}))
	assert.Error(t, err)
}

func TestStartStatusStopRoundTrip(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	msg, err := s.Start(18081)
	require.NoError(t, err)
	assert.Equal(t, "Started WireMock on port 18081.", msg)

	st, err := s.Status(18081)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, StateRunning, st.State)
	assert.NotZero(t, st.PID)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, map[int]int{18081: st.PID}, records(t, cfg))

	root := filepath.Join(cfg.InstancesDir, "18081")
	assert.DirExists(t, filepath.Join(root, "mappings"))
	assert.DirExists(t, filepath.Join(root, "__files"))

	msg, err = s.Stop(18081)
	require.NoError(t, err)
	assert.Equal(t, "Stopped WireMock on port 18081.", msg)
	assert.Empty(t, records(t, cfg))
	assert.False(t, probe.New().Alive(st.PID))

	st, err = s.Status(18081)
	require.NoError(t, err)
	assert.False(t, st.Running)

	_, err = s.Start(18081)
	require.NoError(t, err)
	assert.Len(t, records(t, cfg), 1)
}

func TestStartTwiceIsAlreadyRunning(t *testing.T) {
	skipIfNoProcesses(t)
	s := newSupervisor(t, testConfig(t, sleeper))

	_, err := s.Start(18082)
	require.NoError(t, err)
	_, err = s.Start(18082)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, "WireMock is already running on port 18082.", err.Error())
}

func TestConcurrentStartsSameKey(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(18083)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRunning):
				already++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, already)
	assert.Len(t, records(t, cfg), 1)
}

func TestParallelKeys(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	keys := []int{18090, 18091, 18092, 18093}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			_, err := s.Start(k)
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()
	assert.Len(t, records(t, cfg), len(keys))
	assert.Len(t, s.Pids(), len(keys))

	require.NoError(t, s.StopAll())
	assert.Empty(t, records(t, cfg))
	assert.Empty(t, s.Pids())
}

func TestCrashIsDetectedOnNextStatus(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	_, err := s.Start(18084)
	require.NoError(t, err)
	st, err := s.Status(18084)
	require.NoError(t, err)
	require.True(t, st.Running)

	require.NoError(t, syscall.Kill(st.PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		st, err := s.Status(18084)
		return err == nil && !st.Running
	}, 5*time.Second, 20*time.Millisecond)
	assert.Nil(t, s.get(18084), "dead handle must be purged")
	assert.Empty(t, records(t, cfg))

	_, err = s.Stop(18084)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Start(18084)
	assert.NoError(t, err)
}

func TestStopEscalatesAndKillsDescendants(t *testing.T) {
	skipIfNoProcesses(t)
	stubborn := process.Launch{
		// TERM stays ignored across exec, so the background worker ignores it too.
		Command: []string{"/bin/sh", "-c", `trap "" TERM; sleep 30 & echo $! > {root}/worker.pid; wait`},
	}
	cfg := testConfig(t, stubborn)
	cfg.StopTimeout = 300 * time.Millisecond
	s := newSupervisor(t, cfg)

	_, err := s.Start(18085)
	require.NoError(t, err)

	pidFile := filepath.Join(cfg.InstancesDir, "18085", "worker.pid")
	var worker int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		worker, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && worker > 0
	}, 3*time.Second, 20*time.Millisecond)

	begin := time.Now()
	_, err = s.Stop(18085)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), cfg.StopTimeout, "graceful window must elapse first")

	p := probe.New()
	require.Eventually(t, func() bool { return !p.Alive(worker) }, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, records(t, cfg))
}

func TestStopFailureKeepsHandle(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	_, err := s.Start(18086)
	require.NoError(t, err)

	orig := s.signalGroup
	s.signalGroup = func(int, syscall.Signal) error { return syscall.EPERM }
	_, err = s.Stop(18086)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopFailed)
	var se *StopError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 18086, se.Key)
	assert.ErrorIs(t, err, syscall.EPERM)

	st, err := s.Status(18086)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Len(t, records(t, cfg), 1)

	s.signalGroup = orig
	_, err = s.Stop(18086)
	require.NoError(t, err)
}

func TestSpawnFailurePersistsNothing(t *testing.T) {
	cfg := testConfig(t, process.Launch{Command: []string{"/nonexistent/wiremock-binary", "--port", "{port}"}})
	s := newSupervisor(t, cfg)

	_, err := s.Start(18087)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 18087, se.Key)
	assert.True(t, strings.HasPrefix(err.Error(), "Failed to start WireMock on port 18087:"))
	assert.Empty(t, records(t, cfg))

	st, err := s.Status(18087)
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestPortCheckRefusesBoundPort(t *testing.T) {
	skipIfNoProcesses(t)
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testConfig(t, sleeper)
	cfg.PortCheck = true
	s := newSupervisor(t, cfg)

	_, err = s.Start(port)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Empty(t, records(t, cfg))
}

func TestStartGraceCatchesEarlyExit(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, process.Launch{Command: []string{"/bin/sh", "-c", "echo bad config; exit 3"}})
	cfg.StartGrace = time.Second
	s := newSupervisor(t, cfg)

	_, err := s.Start(18088)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Empty(t, records(t, cfg))
	assert.Nil(t, s.get(18088))

	require.Eventually(t, func() bool {
		out, err := s.Logs(18088)
		return err == nil && strings.Contains(out, "bad config")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLogsTailAndChildEnv(t *testing.T) {
	skipIfNoProcesses(t)
	launch := process.Launch{
		Command:   []string{"/bin/sh", "-c", "echo port=$MOCKVISOR_PORT; echo oops 1>&2; exec sleep 30"},
		Signature: "sleep",
	}
	cfg := testConfig(t, launch)
	s := newSupervisor(t, cfg)

	_, err := s.Logs(18089)
	assert.ErrorIs(t, err, ErrLogNotFound)

	_, err = s.Start(18089)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := s.Logs(18089)
		return err == nil && strings.Contains(out, "oops")
	}, 3*time.Second, 20*time.Millisecond)
	out, err := s.Logs(18089)
	require.NoError(t, err)
	assert.Contains(t, out, "port=18089\n")

	lines, err := s.Tail(18089)
	require.NoError(t, err)
	assert.Equal(t, []string{"port=18089", "oops"}, lines)
	lines, err = s.Tail(18089)
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = s.Stop(18089)
	require.NoError(t, err)
	out, err = s.Logs(18089)
	require.NoError(t, err, "logs stay readable after stop")
	assert.Contains(t, out, "port=18089")
}

func TestReconcileDropsSignatureMismatch(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, process.Launch{
		Command:   []string{"java", "-jar", "wiremock-standalone.jar", "--port", "{port}"},
		Signature: "wiremock-standalone.jar",
	})
	other := startExternal(t, "sleep", "30")
	require.NoError(t, identity.New(cfg.StateFile).Save(18100, other.Process.Pid))

	s := newSupervisor(t, cfg)
	st, err := s.Status(18100)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, records(t, cfg))
	assert.True(t, probe.New().Alive(other.Process.Pid), "unrelated process must not be touched")
}

func TestReconcileDropsDeadPid(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	dead := exec.Command("/bin/true")
	require.NoError(t, dead.Run())
	require.NoError(t, identity.New(cfg.StateFile).Save(18101, dead.Process.Pid))

	s := newSupervisor(t, cfg)
	st, err := s.Status(18101)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, records(t, cfg))
}

func TestReconcileAdoptsMatchingProcess(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, process.Launch{Command: []string{"sleep", "30"}, Signature: "sleep"})
	survivor := startExternal(t, "sleep", "30")
	pid := survivor.Process.Pid
	require.NoError(t, identity.New(cfg.StateFile).Save(18102, pid))

	logDir := filepath.Join(cfg.InstancesDir, "18102")
	require.NoError(t, os.MkdirAll(logDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "process.log"), []byte("from previous run\n"), 0o600))

	s := newSupervisor(t, cfg)
	st, err := s.Status(18102)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.Adopted)
	assert.Equal(t, StateAdopted, st.State)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, map[int]int{18102: pid}, records(t, cfg))

	out, err := s.Logs(18102)
	require.NoError(t, err)
	assert.Equal(t, "from previous run\n", out)
	lines, err := s.Tail(18102)
	require.NoError(t, err)
	assert.Empty(t, lines, "transient queue is not rebuilt")

	_, err = s.Start(18102)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = s.Stop(18102)
	require.NoError(t, err)
	assert.Empty(t, records(t, cfg))
	assert.False(t, probe.New().Alive(pid))
}

func TestAdoptedCrashIsDetected(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, process.Launch{Command: []string{"sleep", "30"}, Signature: "sleep"})
	survivor := startExternal(t, "sleep", "30")
	require.NoError(t, identity.New(cfg.StateFile).Save(18103, survivor.Process.Pid))

	s := newSupervisor(t, cfg)
	require.NoError(t, survivor.Process.Kill())
	_ = survivor.Wait()

	st, err := s.Status(18103)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, records(t, cfg))
}

type deniedProbe struct{ probe.Probe }

func (deniedProbe) Exists(int) bool { return true }

func (deniedProbe) Zombie(int) bool { return false }

func (deniedProbe) MatchesSignature(int, string) (bool, error) {
	return false, probe.ErrProbeUnavailable
}

func TestReconcileDropsWhenProbeUnavailable(t *testing.T) {
	cfg := testConfig(t, sleeper)
	cfg.Probe = deniedProbe{}
	require.NoError(t, identity.New(cfg.StateFile).Save(18104, 1))

	s := newSupervisor(t, cfg)
	assert.Nil(t, s.get(18104))
	assert.Empty(t, records(t, cfg))
}

func TestCorruptStoreIsQuarantined(t *testing.T) {
	cfg := testConfig(t, sleeper)
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte("{oops"), 0o600))

	newSupervisor(t, cfg)
	assert.Empty(t, records(t, cfg))
	matches, err := filepath.Glob(cfg.StateFile + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestInstancesListsDirectoriesAndHandles(t *testing.T) {
	cfg := testConfig(t, sleeper)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.InstancesDir, "9090"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.InstancesDir, "notaport"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.InstancesDir, "8080"), 0o750))
	s := newSupervisor(t, cfg)

	list, err := s.Instances()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 8080, list[0].Key)
	assert.Equal(t, 9090, list[1].Key)
	assert.False(t, list[0].Running)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "adopted", StateAdopted.String())
	assert.Equal(t, "unknown", State(42).String())
	b, err := StateStopping.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "stopping", string(b))
	assert.True(t, StateAdopted.Running())
	assert.False(t, StateStopped.Running())
}

// recycledProbe reports a different start time after adoption, as if the
// adopted pid had exited and been reused by an unrelated process.
type recycledProbe struct {
	probe.Probe
	calls atomic.Int32
}

func (p *recycledProbe) StartTime(int) int64 {
	if p.calls.Add(1) == 1 {
		return 1000
	}
	return 2000
}

func TestStopDoesNotSignalRecycledPid(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, process.Launch{Command: []string{"sleep", "30"}, Signature: "sleep"})
	cfg.Probe = &recycledProbe{}
	stranger := startExternal(t, "sleep", "30")
	pid := stranger.Process.Pid
	require.NoError(t, identity.New(cfg.StateFile).Save(18200, pid))

	s := newSupervisor(t, cfg)
	require.NotNil(t, s.get(18200), "adopted on startup")
	assert.Empty(t, s.Pids(), "a recycled pid is not sampled")

	var signalled []int
	s.signalGroup = func(p int, _ syscall.Signal) error { signalled = append(signalled, -p); return nil }
	s.signal = func(p int, _ syscall.Signal) error { signalled = append(signalled, p); return nil }

	_, err := s.Stop(18200)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, signalled)
	assert.Nil(t, s.get(18200))
	assert.Empty(t, records(t, cfg))
	assert.True(t, probe.New().Alive(pid), "unrelated process must survive")
}

func TestStopAfterUnobservedExit(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	_, err := s.Start(18201)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := s.Logs(18201)
		return err == nil && strings.Contains(out, "started 18201")
	}, 3*time.Second, 20*time.Millisecond)

	h := s.get(18201)
	require.NotNil(t, h)
	require.NoError(t, syscall.Kill(h.pid, syscall.SIGKILL))
	select {
	case <-h.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
	require.NotNil(t, s.get(18201), "still tracked until the next call")
	assert.NotContains(t, s.Pids(), 18201)

	var signalled int
	s.signalGroup = func(int, syscall.Signal) error { signalled++; return nil }
	s.signal = func(int, syscall.Signal) error { signalled++; return nil }

	_, err = s.Stop(18201)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Zero(t, signalled)
	assert.Nil(t, s.get(18201))
	assert.Empty(t, records(t, cfg))
	lines, err := s.Tail(18201)
	require.NoError(t, err)
	assert.Empty(t, lines, "queue of the dead run is dropped")

	out, err := s.Logs(18201)
	require.NoError(t, err)
	assert.Contains(t, out, "started 18201", "durable log survives")
}

func TestStartAfterUnobservedExit(t *testing.T) {
	skipIfNoProcesses(t)
	cfg := testConfig(t, sleeper)
	s := newSupervisor(t, cfg)

	_, err := s.Start(18202)
	require.NoError(t, err)
	old := s.get(18202)
	require.NotNil(t, old)
	require.NoError(t, syscall.Kill(old.pid, syscall.SIGKILL))
	select {
	case <-old.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}

	_, err = s.Start(18202)
	require.NoError(t, err)
	h := s.get(18202)
	require.NotNil(t, h)
	assert.NotEqual(t, old.pid, h.pid)
	assert.NotEqual(t, old.runID, h.runID)
	assert.Equal(t, map[int]int{18202: h.pid}, records(t, cfg))
}
