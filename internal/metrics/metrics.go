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

	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkengine",
			Subsystem: "check",
			Name:      "results_total",
			Help:      "Number of check results by command, runner kind and service state.",
		}, []string{"command", "kind", "state"},
	)
	checkTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkengine",
			Subsystem: "check",
			Name:      "timeouts_total",
			Help:      "Number of checks that exceeded their timeout.",
		}, []string{"command", "kind"},
	)
	checkNotExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkengine",
			Subsystem: "check",
			Name:      "not_executed_total",
			Help:      "Number of checks whose command could not be executed.",
		}, []string{"command", "kind"},
	)
	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "checkengine",
			Subsystem: "check",
			Name:      "duration_seconds",
			Help:      "Wall time between check start and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "kind"},
	)
	connectorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkengine",
			Subsystem: "connector",
			Name:      "restarts_total",
			Help:      "Number of connector restarts by reason.",
		}, []string{"name", "reason"},
	)
	connectorPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "checkengine",
			Subsystem: "connector",
			Name:      "pending_requests",
			Help:      "Requests sent to a connector and not answered yet.",
		}, []string{"name"},
	)
	connectorUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "checkengine",
			Subsystem: "connector",
			Name:      "up",
			Help:      "1 when the connector process is running and passed the version handshake.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{checksTotal, checkTimeouts, checkNotExecuted, checkDuration, connectorRestarts, connectorPending, connectorUp}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

// ObserveCheck records one finished check.
func ObserveCheck(command, kind, state string, seconds float64, timedOut, executed bool) {
	if !regOK.Load() {
		return
	}
	checksTotal.WithLabelValues(command, kind, state).Inc()
	checkDuration.WithLabelValues(command, kind).Observe(seconds)
	if timedOut {
		checkTimeouts.WithLabelValues(command, kind).Inc()
	}
	if !executed {
		checkNotExecuted.WithLabelValues(command, kind).Inc()
	}
}

func IncConnectorRestart(name, reason string) {
	if regOK.Load() {
		connectorRestarts.WithLabelValues(name, reason).Inc()
	}
}

func SetConnectorPending(name string, n int) {
	if regOK.Load() {
		connectorPending.WithLabelValues(name).Set(float64(n))
	}
}

func SetConnectorUp(name string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		connectorUp.WithLabelValues(name).Set(v)
	}
}
