package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "efile_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efile_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "efile_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	mefCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efile_layer",
			Subsystem: "mef",
			Name:      "calls_total",
			Help:      "MeF service attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	mefDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "efile_layer",
			Subsystem: "mef",
			Name:      "call_duration_seconds",
			Help:      "Duration of MeF service attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"operation"},
	)

	mefRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efile_layer",
			Subsystem: "mef",
			Name:      "retries_total",
			Help:      "MeF attempts that were retried after a transient failure.",
		},
		[]string{"operation"},
	)

	transmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efile_layer",
			Subsystem: "efile",
			Name:      "transmit_results_total",
			Help:      "Transmit attempts by result code.",
		},
		[]string{"result"},
	)

	acknowledgments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efile_layer",
			Subsystem: "efile",
			Name:      "acknowledgments_applied_total",
			Help:      "Acknowledgments applied to transmissions by verdict.",
		},
		[]string{"status"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "efile_layer",
			Subsystem: "efile",
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes by kind and success.",
		},
		[]string{"kind", "success"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "efile_layer",
			Subsystem: "efile",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	transmissionsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "efile_layer",
			Subsystem: "efile",
			Name:      "transmissions_enabled",
			Help:      "1 when outbound transmissions are enabled, 0 when the kill switch is active.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		mefCalls,
		mefDuration,
		mefRetries,
		transmissions,
		acknowledgments,
		reconcileRuns,
		reconcileDuration,
		transmissionsEnabled,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordMeFCall records one attempt against a MeF service.
func RecordMeFCall(operation, outcome string, duration time.Duration) {
	if operation == "" {
		operation = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	mefCalls.WithLabelValues(operation, outcome).Inc()
	mefDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMeFRetry counts a retried attempt.
func RecordMeFRetry(operation string) {
	mefRetries.WithLabelValues(operation).Inc()
}

// RecordTransmit records the result code of a transmit call ("ok" on success).
func RecordTransmit(result string) {
	if result == "" {
		result = "ok"
	}
	transmissions.WithLabelValues(result).Inc()
}

// RecordAcknowledgment counts an acknowledgment applied to a transmission.
func RecordAcknowledgment(status string) {
	acknowledgments.WithLabelValues(strings.ToLower(status)).Inc()
}

// RecordReconcile records a reconciliation pass.
func RecordReconcile(kind string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "false"
	if success {
		result = "true"
	}
	reconcileRuns.WithLabelValues(kind, result).Inc()
	reconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetTransmissionsEnabled publishes the kill switch state.
func SetTransmissionsEnabled(enabled bool) {
	if enabled {
		transmissionsEnabled.Set(1)
		return
	}
	transmissionsEnabled.Set(0)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "/" + parts[0]
	}
	if parts[0] == "efile" && parts[1] == "transmissions" {
		switch len(parts) {
		case 2:
			return "/efile/transmissions"
		case 3:
			return "/efile/transmissions/:id"
		default:
			return "/efile/transmissions/:id/" + parts[3]
		}
	}
	return "/" + parts[0] + "/" + parts[1]
}
