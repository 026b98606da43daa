// Package metrics exposes prometheus collectors for the service and an
// HTTP middleware that records request counts and latencies.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the service records.
type Collector struct {
	registry *prometheus.Registry

	TasksCreated  prometheus.Counter
	TasksFailed   prometheus.Counter
	StepsExecuted *prometheus.CounterVec
	LLMRequests   *prometheus.CounterVec
	QueueDepth    prometheus.GaugeFunc

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector registers all collectors on a private registry. queueDepth
// may be nil when no queue is wired.
func NewCollector(queueDepth func() float64) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_tasks_created_total",
			Help: "Tasks created through the API.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_tasks_failed_total",
			Help: "Task executions that ended in failure.",
		}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackvm_steps_executed_total",
			Help: "VM steps executed, by outcome.",
		}, []string{"status"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackvm_llm_requests_total",
			Help: "LLM completion requests, by model.",
		}, []string{"model"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackvm_http_requests_total",
			Help: "HTTP requests, by method and status code.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackvm_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	registry.MustRegister(c.TasksCreated, c.TasksFailed, c.StepsExecuted,
		c.LLMRequests, c.httpRequests, c.httpDuration)

	if queueDepth != nil {
		c.QueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stackvm_task_queue_depth",
			Help: "Items waiting in the task queue.",
		}, queueDepth)
		registry.MustRegister(c.QueueDepth)
	}
	return c
}

// Handler serves the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working through the middleware.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware records per-request counters and latency.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		c.httpRequests.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
