package monitoring

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via RegisterMetrics.
var (
	metricsOK atomic.Bool

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpi2vex",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Records received from the motion controller by kind.",
		}, []string{"kind"},
	)
	readTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rpi2vex",
			Subsystem: "link",
			Name:      "read_timeouts_total",
			Help:      "Idle reads that returned no data before the read timeout.",
		},
	)
	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpi2vex",
			Subsystem: "link",
			Name:      "commands_total",
			Help:      "Link commands routed by the dispatcher, by opcode and outcome.",
		}, []string{"opcode", "outcome"},
	)
	driveDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpi2vex",
			Subsystem: "inference",
			Name:      "decisions_total",
			Help:      "Drive commands emitted by the inference loop.",
		}, []string{"label"},
	)
	inferenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rpi2vex",
			Subsystem: "inference",
			Name:      "failures_total",
			Help:      "Inference iterations that failed to produce a drive command.",
		},
	)
	inferenceSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rpi2vex",
			Subsystem: "inference",
			Name:      "decision_seconds",
			Help:      "Time from still capture to drive command.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	autonomousMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpi2vex",
			Subsystem: "mode",
			Name:      "autonomous",
			Help:      "1 while the robot drives itself, 0 under manual control.",
		},
	)
	recordingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpi2vex",
			Subsystem: "recording",
			Name:      "active",
			Help:      "1 while a recording session is open.",
		},
	)
	recordingSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpi2vex",
			Subsystem: "recording",
			Name:      "sessions_total",
			Help:      "Recording session lifecycle events.",
		}, []string{"event"},
	)
)

// RegisterMetrics registers all collectors with r. It is safe to call
// multiple times; calls after the first success are no-ops.
func RegisterMetrics(r prometheus.Registerer) error {
	if metricsOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		framesReceived, readTimeouts, commandsDispatched,
		driveDecisions, inferenceFailures, inferenceSeconds,
		autonomousMode, recordingActive, recordingSessions,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	metricsOK.Store(true)
	return nil
}

// MetricsHandler serves the default gatherer.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until RegisterMetrics has succeeded.

func IncFrame(kind string) {
	if metricsOK.Load() {
		framesReceived.WithLabelValues(kind).Inc()
	}
}

func IncReadTimeout() {
	if metricsOK.Load() {
		readTimeouts.Inc()
	}
}

func IncCommand(opcode, outcome string) {
	if metricsOK.Load() {
		commandsDispatched.WithLabelValues(opcode, outcome).Inc()
	}
}

func IncDecision(label string) {
	if metricsOK.Load() {
		driveDecisions.WithLabelValues(label).Inc()
	}
}

func IncInferenceFailure() {
	if metricsOK.Load() {
		inferenceFailures.Inc()
	}
}

func ObserveDecisionLatency(d time.Duration) {
	if metricsOK.Load() {
		inferenceSeconds.Observe(d.Seconds())
	}
}

func SetAutonomous(on bool) {
	if metricsOK.Load() {
		autonomousMode.Set(boolGauge(on))
	}
}

func SetRecording(on bool) {
	if metricsOK.Load() {
		recordingActive.Set(boolGauge(on))
	}
}

func IncSessionEvent(event string) {
	if metricsOK.Load() {
		recordingSessions.WithLabelValues(event).Inc()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
