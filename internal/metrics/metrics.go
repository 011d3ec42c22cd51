package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mockvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	instanceStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "starts_total",
			Help:      "Number of successful instance starts.",
		},
	)
	instanceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "stops_total",
			Help:      "Number of completed stops by mode (graceful or forced).",
		}, []string{"mode"},
	)
	instanceCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "crashes_total",
			Help:      "Number of instances found dead without a stop request.",
		},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "spawn_failures_total",
			Help:      "Number of failed start attempts.",
		},
	)
	stopFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "stop_failures_total",
			Help:      "Number of stop attempts that could not signal the instance.",
		},
	)
	startGrace = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "start_grace_seconds",
			Help:      "Observed start grace window when start_grace > 0.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	runningInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "running",
			Help:      "Current number of tracked running instances.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between instance states.",
		}, []string{"from", "to"},
	)
	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Identity records examined at startup by outcome (adopted or dropped).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{instanceStarts, instanceStops, instanceCrashes, spawnFailures, stopFailures, startGrace, runningInstances, stateTransitions, reconciled}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves g, used when a private registry is in play.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register succeeds.

func IncStart() {
	if regOK.Load() {
		instanceStarts.Inc()
	}
}

func IncStop(forced bool) {
	if regOK.Load() {
		mode := "graceful"
		if forced {
			mode = "forced"
		}
		instanceStops.WithLabelValues(mode).Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		instanceCrashes.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

func IncStopFailure() {
	if regOK.Load() {
		stopFailures.Inc()
	}
}

func ObserveStartGrace(seconds float64) {
	if regOK.Load() {
		startGrace.Observe(seconds)
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningInstances.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncReconcile(adopted bool) {
	if regOK.Load() {
		outcome := "dropped"
		if adopted {
			outcome = "adopted"
		}
		reconciled.WithLabelValues(outcome).Inc()
	}
}
