package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booklore_runner"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of child processes spawned.",
		}, []string{"kind"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of child process stops by outcome (graceful or killed).",
		}, []string{"kind", "outcome"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_duration_seconds",
			Help:      "Time from start request until the process reported ready.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"kind"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for readiness.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"check", "result"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "attempts_total",
			Help:      "Readiness probe attempts.",
		}, []string{"check"},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "proxy_requests_total",
			Help:      "Proxied HTTP requests by route class and response code.",
		}, []string{"route", "code"},
	)
	proxyUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "upstream_errors_total",
			Help:      "Proxied requests that failed to reach the backend.",
		}, []string{"route"},
	)
	wsSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "websocket_sessions",
			Help:      "Currently open proxied WebSocket sessions.",
		},
	)
	lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	stageEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "stage_events_total",
			Help:      "Stage status events emitted.",
		}, []string{"phase", "stage", "state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{processStarts, processStops, processStartDuration, probeDuration, probeAttempts,
		proxyRequests, proxyUpstreamErrors, wsSessions, lifecycleState, stageEvents}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(kind string) {
	if regOK.Load() {
		processStarts.WithLabelValues(kind).Inc()
	}
}

func IncStop(kind string, killed bool) {
	if regOK.Load() {
		outcome := "graceful"
		if killed {
			outcome = "killed"
		}
		processStops.WithLabelValues(kind, outcome).Inc()
	}
}

func ObserveStartDuration(kind string, seconds float64) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func ObserveProbe(check string, ok bool, attempts int, seconds float64) {
	if regOK.Load() {
		result := "ready"
		if !ok {
			result = "timeout"
		}
		probeDuration.WithLabelValues(check, result).Observe(seconds)
		probeAttempts.WithLabelValues(check).Add(float64(attempts))
	}
}

func IncProxy(route string, code int) {
	if regOK.Load() {
		proxyRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

func IncUpstreamError(route string) {
	if regOK.Load() {
		proxyUpstreamErrors.WithLabelValues(route).Inc()
	}
}

func WSSessionOpened() {
	if regOK.Load() {
		wsSessions.Inc()
	}
}

func WSSessionClosed() {
	if regOK.Load() {
		wsSessions.Dec()
	}
}

// SetLifecycleState marks state active and every other known state inactive.
func SetLifecycleState(state string, all []string) {
	if regOK.Load() {
		for _, s := range all {
			v := 0.0
			if s == state {
				v = 1
			}
			lifecycleState.WithLabelValues(s).Set(v)
		}
	}
}

func IncStageEvent(phase, stage, state string) {
	if regOK.Load() {
		stageEvents.WithLabelValues(phase, stage, state).Inc()
	}
}
