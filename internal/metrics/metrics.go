package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleward",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"mode"},
	)
	workerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleward",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of auto restarts of the worker.",
		},
	)
	workerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleward",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teleward",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Whether the worker process is currently running (1/0).",
		},
	)
	randomPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleward",
			Subsystem: "random",
			Name:      "posts_total",
			Help:      "Number of random messages posted per source.",
		}, []string{"source"},
	)
	quotaSuspensions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleward",
			Subsystem: "random",
			Name:      "quota_suspensions_total",
			Help:      "Times a source task was suspended due to the daily quota.",
		}, []string{"source"},
	)
	activeSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teleward",
			Subsystem: "random",
			Name:      "active_sources",
			Help:      "Number of running per-source posting tasks.",
		},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleward",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "State store operation failures by operation.",
		}, []string{"op"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerRestarts, workerStops, workerRunning, randomPosts, quotaSuspensions, activeSources, storeErrors}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register.

func IncWorkerStart(mode string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(mode).Inc()
	}
}

func IncWorkerRestart() {
	if regOK.Load() {
		workerRestarts.Inc()
	}
}

func IncWorkerStop() {
	if regOK.Load() {
		workerStops.Inc()
	}
}

func SetWorkerRunning(up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1.0
		}
		workerRunning.Set(v)
	}
}

func IncRandomPost(source string) {
	if regOK.Load() {
		randomPosts.WithLabelValues(source).Inc()
	}
}

func IncQuotaSuspension(source string) {
	if regOK.Load() {
		quotaSuspensions.WithLabelValues(source).Inc()
	}
}

func SetActiveSources(n int) {
	if regOK.Load() {
		activeSources.Set(float64(n))
	}
}

func IncStoreError(op string) {
	if regOK.Load() {
		storeErrors.WithLabelValues(op).Inc()
	}
}
