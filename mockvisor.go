// Package mockvisor supervises mock server instances keyed by port. It is a
// thin facade over the internal packages for embedding in other programs.
package mockvisor

import (
	"errors"
	"net/http"
	"time"

	cfg "github.com/loykin/mockvisor/internal/config"
	"github.com/loykin/mockvisor/internal/history"
	"github.com/loykin/mockvisor/internal/history/factory"
	"github.com/loykin/mockvisor/internal/metrics"
	"github.com/loykin/mockvisor/internal/process"
	iapi "github.com/loykin/mockvisor/internal/server"
	"github.com/loykin/mockvisor/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = supervisor.Config

type Status = supervisor.Status

type State = supervisor.State

type Launch = process.Launch

type FileConfig = cfg.Config

type HistorySink = history.Sink

const (
	StateStopped  = supervisor.StateStopped
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateStopping = supervisor.StateStopping
	StateAdopted  = supervisor.StateAdopted
)

var (
	ErrAlreadyRunning   = supervisor.ErrAlreadyRunning
	ErrNotRunning       = supervisor.ErrNotRunning
	ErrSpawnFailed      = supervisor.ErrSpawnFailed
	ErrStopFailed       = supervisor.ErrStopFailed
	ErrInvalidKey       = supervisor.ErrInvalidKey
	ErrStoreCorrupt     = supervisor.ErrStoreCorrupt
	ErrProbeUnavailable = supervisor.ErrProbeUnavailable
	ErrLogNotFound      = supervisor.ErrLogNotFound
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

// New builds a supervisor; instances left running by a previous supervisor
// are adopted before it returns.
func New(c Config) (*Supervisor, error) {
	s, err := supervisor.New(c)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Start(port int) (string, error)     { return s.inner.Start(port) }
func (s *Supervisor) Stop(port int) (string, error)      { return s.inner.Stop(port) }
func (s *Supervisor) Status(port int) (Status, error)    { return s.inner.Status(port) }
func (s *Supervisor) Logs(port int) (string, error)      { return s.inner.Logs(port) }
func (s *Supervisor) Tail(port int) ([]string, error)    { return s.inner.Tail(port) }
func (s *Supervisor) Instances() ([]Status, error)       { return s.inner.Instances() }
func (s *Supervisor) StopAll() error                     { return s.inner.StopAll() }
func (s *Supervisor) Close() error                       { return s.inner.Close() }
func (s *Supervisor) Name() string                       { return s.inner.Name() }
func (s *Supervisor) Pids() map[int]int                  { return s.inner.Pids() }
func (s *Supervisor) UsageSource() metrics.UsageSource   { return s.inner.UsageSource() }

// LoadConfig reads a TOML, YAML or JSON config file with MOCKVISOR_* overrides.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// NewHistorySinks opens one sink per DSN (sqlite://, postgres://,
// clickhouse://, opensearch://).
func NewHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

// NewHandler returns the HTTP API for s, for mounting in another server.
func NewHandler(basePath string, s *Supervisor) http.Handler {
	return iapi.NewRouter(s.inner, basePath).Handler()
}

// NewHTTPServer returns an unstarted HTTP server exposing the API for s.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, NewHandler(basePath, s), nil)
}

// Metrics helpers

// RegisterMetrics registers the lifecycle metrics and, when s is not nil, the
// per-instance usage collector.
func RegisterMetrics(r prometheus.Registerer, s *Supervisor) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	err := r.Register(metrics.NewUsageCollector(s.UsageSource()))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

func RegisterMetricsDefault(s *Supervisor) error {
	return RegisterMetrics(prometheus.DefaultRegisterer, s)
}

// ServeMetrics serves /metrics from the default registry on addr. It blocks.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
