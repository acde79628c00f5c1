package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudemu"

var (
	// Registry holds every collector in this package.
	Registry = prometheus.NewRegistry()

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched emulator requests.",
		},
		[]string{"provider", "service", "operation", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of emulator requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"provider", "service", "operation"},
	)

	inflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Current number of in-flight requests per provider.",
		},
		[]string{"provider"},
	)

	storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of storage engine operations by result.",
		},
		[]string{"op", "result"},
	)

	storageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Duration of storage engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"op"},
	)

	resourcesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_expired_total",
			Help:      "Total number of resources removed after their TTL passed.",
		},
	)

	functionInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_invocations_total",
			Help:      "Total number of function invocations.",
		},
		[]string{"status"},
	)

	workflowExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		requestsTotal,
		requestDuration,
		inflight,
		storageOps,
		storageDuration,
		resourcesExpired,
		functionInvocations,
		workflowExecutions,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one dispatched request.
func ObserveRequest(provider, service, operation string, status int, d time.Duration) {
	if service == "" {
		service = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	requestsTotal.WithLabelValues(provider, service, operation, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(provider, service, operation).Observe(d.Seconds())
}

// TrackInflight increments the in-flight gauge and returns a function that
// decrements it.
func TrackInflight(provider string) func() {
	g := inflight.WithLabelValues(provider)
	g.Inc()
	return g.Dec
}

// ObserveStorage records one storage engine operation. result is "ok" or
// the error kind.
func ObserveStorage(op, result string, d time.Duration) {
	storageOps.WithLabelValues(op, result).Inc()
	storageDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ResourcesExpired adds n reclaimed resources.
func ResourcesExpired(n int) {
	if n > 0 {
		resourcesExpired.Add(float64(n))
	}
}

// FunctionInvoked records a function invocation outcome.
func FunctionInvoked(status string) {
	functionInvocations.WithLabelValues(status).Inc()
}

// WorkflowExecuted records a workflow execution outcome.
func WorkflowExecuted(status string) {
	workflowExecutions.WithLabelValues(status).Inc()
}
