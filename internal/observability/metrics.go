package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	chatTurnsTotal   *prometheus.CounterVec
	chatTurnDuration *prometheus.HistogramVec
	activeSessions   prometheus.Gauge

	sandboxExecTotal    *prometheus.CounterVec
	sandboxExecDuration *prometheus.HistogramVec

	storeWritesTotal   *prometheus.CounterVec
	storeWriteDuration *prometheus.HistogramVec

	llmCallsTotal   *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmRetriesTotal *prometheus.CounterVec

	trackerCallsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "devmind_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_dequeue_total",
					Help: "Total completed queue tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devmind_task_duration_seconds",
					Help:    "Queued task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			chatTurnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_chat_turns_total",
					Help: "Chat turns by route (direct, sandbox) and outcome.",
				},
				[]string{"route", "outcome"},
			),
			chatTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devmind_chat_turn_duration_seconds",
					Help:    "Chat turn duration in seconds by route.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
				},
				[]string{"route"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "devmind_active_sessions",
					Help: "Sessions currently held open by the session manager.",
				},
			),
			sandboxExecTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_sandbox_executions_total",
					Help: "Sandbox executions by runtime and status (success, error, timeout).",
				},
				[]string{"runtime", "status"},
			),
			sandboxExecDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devmind_sandbox_execution_duration_seconds",
					Help:    "Sandbox execution duration in seconds by runtime.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"runtime"},
			),
			storeWritesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_store_writes_total",
					Help: "Session artifact writes by artifact and status.",
				},
				[]string{"artifact", "status"},
			),
			storeWriteDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devmind_store_write_duration_seconds",
					Help:    "Session artifact write duration in seconds.",
					Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
				},
				[]string{"artifact"},
			),
			llmCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_llm_calls_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devmind_llm_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_llm_retries_total",
					Help: "Bounded retries issued after a failed model call.",
				},
				[]string{"provider"},
			),
			trackerCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devmind_tracker_calls_total",
					Help: "Task tracker calls by operation and status.",
				},
				[]string{"operation", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.chatTurnsTotal,
			m.chatTurnDuration,
			m.activeSessions,
			m.sandboxExecTotal,
			m.sandboxExecDuration,
			m.storeWritesTotal,
			m.storeWriteDuration,
			m.llmCallsTotal,
			m.llmCallDuration,
			m.llmRetriesTotal,
			m.trackerCallsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

// RecordChatTurn counts a finished turn. outcome is "ok", "degraded" or "storage_error".
func RecordChatTurn(route, outcome string, duration time.Duration) {
	m := getMetrics()
	m.chatTurnsTotal.WithLabelValues(route, outcome).Inc()
	m.chatTurnDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

// RecordSandboxExecution counts one execution. status is "success", "error" or "timeout".
func RecordSandboxExecution(runtime, status string, duration time.Duration) {
	m := getMetrics()
	m.sandboxExecTotal.WithLabelValues(runtime, status).Inc()
	m.sandboxExecDuration.WithLabelValues(runtime).Observe(duration.Seconds())
}

func RecordStoreWrite(artifact string, duration time.Duration, success bool) {
	m := getMetrics()
	m.storeWritesTotal.WithLabelValues(artifact, statusLabel(success)).Inc()
	m.storeWriteDuration.WithLabelValues(artifact).Observe(duration.Seconds())
}

func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMRetry(provider string) {
	getMetrics().llmRetriesTotal.WithLabelValues(provider).Inc()
}

func RecordTrackerCall(operation string, success bool) {
	getMetrics().trackerCallsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}
