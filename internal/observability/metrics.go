package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shipctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	buildSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipctl",
			Subsystem: "build",
			Name:      "steps_total",
			Help:      "Build step executions by outcome.",
		},
		[]string{"step", "outcome"},
	)
	buildStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shipctl",
			Subsystem: "build",
			Name:      "step_duration_seconds",
			Help:      "Build step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step"},
	)
	packagingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipctl",
			Subsystem: "artifact",
			Name:      "packaging_total",
			Help:      "Artifact packaging runs by outcome.",
		},
		[]string{"outcome"},
	)
	supervisorTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipctl",
			Subsystem: "supervisor",
			Name:      "transitions_total",
			Help:      "Supervised process state transitions.",
		},
		[]string{"from", "to"},
	)
	supervisorExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shipctl",
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Supervised process exits by code and signal.",
		},
		[]string{"code", "signal", "forced"},
	)
	healthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shipctl",
			Subsystem: "health",
			Name:      "state",
			Help:      "Liveness and readiness of the serving process (1 = passing).",
		},
		[]string{"check"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			buildSteps,
			buildStepDuration,
			packagingRuns,
			supervisorTransitions,
			supervisorExits,
			healthState,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBuildStep(step string, duration time.Duration, err error) {
	RegisterMetrics()
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	buildSteps.WithLabelValues(step, outcome).Inc()
	buildStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func RecordPackaging(outcome string) {
	RegisterMetrics()
	packagingRuns.WithLabelValues(outcome).Inc()
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	supervisorTransitions.WithLabelValues(from, to).Inc()
}

func RecordExit(code int, signal string, forced bool) {
	RegisterMetrics()
	supervisorExits.WithLabelValues(strconv.Itoa(code), signal, strconv.FormatBool(forced)).Inc()
}

func SetHealthState(check string, passing bool) {
	RegisterMetrics()
	v := 0.0
	if passing {
		v = 1
	}
	healthState.WithLabelValues(check).Set(v)
}
