package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	stepsTotal       *prometheus.CounterVec
	stepDuration     prometheus.Histogram
	signalsTotal     *prometheus.CounterVec
	busyRejections   prometheus.Counter
	streamDuration   prometheus.Histogram
	activeStreams    prometheus.Gauge
	activeSessions   prometheus.Gauge
	streamsCancelled prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	providerCooldown   *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			stepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steps_total",
					Help: "Total think/act steps by outcome (acted, idle, model_error, tool_error, fault).",
				},
				[]string{"outcome"},
			),
			stepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "step_duration_seconds",
					Help:    "Think/act step duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			signalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "signals_total",
					Help: "Total lifecycle signals emitted by kind.",
				},
				[]string{"kind"},
			),
			busyRejections: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stream_busy_rejections_total",
					Help: "Total stream or invoke calls rejected because the session was busy.",
				},
			),
			streamDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "stream_duration_seconds",
					Help:    "Duration of a stream from admission to its terminal signal.",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
				},
			),
			activeStreams: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_streams",
					Help: "Current number of sessions with an in-flight stream.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current session count held by the store.",
				},
			),
			streamsCancelled: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "streams_cancelled_total",
					Help: "Total streams stopped by caller cancellation.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			completionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "completion_total",
					Help: "Total completion calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			completionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "completion_duration_seconds",
					Help:    "Completion call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.stepsTotal,
			m.stepDuration,
			m.signalsTotal,
			m.busyRejections,
			m.streamDuration,
			m.activeStreams,
			m.activeSessions,
			m.streamsCancelled,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.completionTotal,
			m.completionDuration,
			m.providerCooldown,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordStep(outcome string, duration time.Duration) {
	m := getMetrics()
	m.stepsTotal.WithLabelValues(outcome).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

func RecordSignal(kind string) {
	getMetrics().signalsTotal.WithLabelValues(kind).Inc()
}

func RecordBusyRejection() {
	getMetrics().busyRejections.Inc()
}

func RecordStreamCancelled() {
	getMetrics().streamsCancelled.Inc()
}

// StreamStarted marks a stream in flight and returns a func that records its
// completion.
func StreamStarted() func() {
	m := getMetrics()
	m.activeStreams.Inc()
	start := time.Now()
	return func() {
		m.activeStreams.Dec()
		m.streamDuration.Observe(time.Since(start).Seconds())
	}
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordCompletion(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.completionTotal.WithLabelValues(provider, status).Inc()
	m.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}
