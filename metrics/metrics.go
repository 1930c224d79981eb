// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmgw"

var (
	// tasksSubmittedTotal is a counter of task submissions.
	tasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of submitted tasks",
		},
		[]string{"model", "priority"},
	)

	// taskDuration is a histogram of end-to-end task processing duration.
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Histogram of task processing duration in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model", "status"}, // status: completed, failed
	)

	// queueDepth is a gauge of pending tasks in the priority queue.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of pending tasks in the priority queue",
		},
	)

	// providerRequestDuration is a histogram of provider call duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of LLM provider calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "model"},
	)

	// providerTokensTotal is a counter of tokens consumed by provider calls.
	providerTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total tokens consumed by provider calls",
		},
		[]string{"provider", "model", "type"}, // type: input, output
	)

	// webhookAttemptsTotal is a counter of webhook delivery attempts.
	webhookAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Total number of webhook delivery attempts",
		},
		[]string{"status"}, // status: delivered, failed
	)

	// gpuVRAMUsedMB is a gauge of GPU memory in use.
	gpuVRAMUsedMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_vram_used_mb",
			Help:      "GPU memory currently in use, in MB",
		},
	)

	// eventsDroppedTotal is a counter of events dropped on saturated
	// subscriber queues.
	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total events dropped due to saturated subscriber queues",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		tasksSubmittedTotal,
		taskDuration,
		queueDepth,
		providerRequestDuration,
		providerTokensTotal,
		webhookAttemptsTotal,
		gpuVRAMUsedMB,
		eventsDroppedTotal,
	}
)

// NewRegistry builds a registry with all gateway and runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, collector := range allMetrics {
		reg.MustRegister(collector)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns the /metrics endpoint handler for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordTaskSubmitted records a task submission.
func RecordTaskSubmitted(model, priority string) {
	tasksSubmittedTotal.WithLabelValues(model, priority).Inc()
}

// RecordTaskDone records a terminal task transition.
func RecordTaskDone(model, status string, durationSeconds float64) {
	taskDuration.WithLabelValues(model, status).Observe(durationSeconds)
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(depth int64) {
	queueDepth.Set(float64(depth))
}

// RecordProviderRequest records a provider call.
func RecordProviderRequest(provider, model string, durationSeconds float64) {
	providerRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordProviderTokens records token consumption.
func RecordProviderTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		providerTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		providerTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordWebhookAttempt records a webhook delivery outcome.
func RecordWebhookAttempt(status string) {
	webhookAttemptsTotal.WithLabelValues(status).Inc()
}

// SetGPUVRAMUsed updates the VRAM gauge.
func SetGPUVRAMUsed(usedMB int) {
	gpuVRAMUsedMB.Set(float64(usedMB))
}

// RecordEventDropped counts one dropped event.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}
