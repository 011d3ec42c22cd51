package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/mockvisor"
	"github.com/loykin/mockvisor/internal/config"
	"github.com/loykin/mockvisor/internal/history"
	"github.com/loykin/mockvisor/internal/metrics"
	"github.com/loykin/mockvisor/internal/server"
	itls "github.com/loykin/mockvisor/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// app is everything serve wires together.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	sup     *mockvisor.Supervisor
	hist    *history.Dispatcher
	handler http.Handler
}

func loadServeConfig(path string, f ServeFlags) (*config.Config, error) {
	c, err := mockvisor.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if f.Listen != "" {
		c.Server.Listen = f.Listen
	}
	if f.StopOnExit {
		c.Server.StopOnExit = true
	}
	if f.TLSDir != "" {
		c.Server.TLS = itls.SelfSigned(f.TLSDir)
	}
	return c, nil
}

// newApp builds the supervisor (reconciling leftovers from a previous run),
// the history dispatcher and the HTTP handler.
func newApp(c *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: c, log: log}

	if c.History.Enabled {
		sinks, err := mockvisor.NewHistorySinks(c.History.DSNs)
		if err != nil {
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		a.hist = history.NewDispatcher(log, sinks...)
	}

	sc, err := c.SupervisorConfig(log, a.hist)
	if err != nil {
		_ = a.hist.Close()
		return nil, err
	}
	a.sup, err = mockvisor.New(sc)
	if err != nil {
		_ = a.hist.Close()
		return nil, err
	}

	router := server.NewRouter(a.sup, c.Server.BasePath)
	if c.Server.Metrics {
		if err := mockvisor.RegisterMetricsDefault(a.sup); err != nil {
			log.Warn("metrics registration failed", "error", err)
		} else {
			router = router.WithMetrics(metrics.Handler())
		}
	}
	a.handler = router.Handler()
	return a, nil
}

// shutdown leaves instances running unless stop_on_exit is set; the next
// serve adopts them.
func (a *app) shutdown() error {
	var errs []error
	if a.cfg.Server.StopOnExit {
		a.log.Info("stopping all instances")
		if err := a.sup.StopAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.sup.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.hist.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func runServe(ctx context.Context, path string, f ServeFlags, out io.Writer) error {
	c, err := loadServeConfig(path, f)
	if err != nil {
		return err
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile, out)
	}

	log := c.Logging().NewSlogger()
	a, err := newApp(c, log)
	if err != nil {
		return err
	}

	tlsCfg, err := itls.SetupTLS(c.Server)
	if err != nil {
		_ = a.shutdown()
		return fmt.Errorf("tls: %w", err)
	}
	ln, err := net.Listen("tcp", c.Server.Listen)
	if err != nil {
		_ = a.shutdown()
		return fmt.Errorf("listen %s: %w", c.Server.Listen, err)
	}

	srv := server.NewServer(c.Server.Listen, a.handler, tlsCfg)
	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	protocol := "HTTP"
	if tlsCfg != nil {
		protocol = "HTTPS"
	}
	_, _ = fmt.Fprintf(out, "Starting mockvisor %s server on %s%s\n", protocol, ln.Addr(), c.Server.BasePath)
	log.Info("server listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil, "base_path", c.Server.BasePath)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	_, _ = fmt.Fprintln(out, "Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return errors.Join(serveErr, a.shutdown())
}
