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
			Namespace: "escrow_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	paymentDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "payments",
			Name:      "dispatches_total",
			Help:      "Total number of payment dispatch attempts.",
		},
		[]string{"milestone", "status"},
	)

	paymentAmounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "payments",
			Name:      "dispatched_minor_units_total",
			Help:      "Total minor units moved by confirmed payments.",
		},
		[]string{"milestone"},
	)

	verificationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "verification",
			Name:      "outcomes_total",
			Help:      "Total number of recorded verification outcomes.",
		},
		[]string{"type", "outcome"},
	)

	settlementOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "settlement",
			Name:      "executions_total",
			Help:      "Total number of settlement execution attempts.",
		},
		[]string{"result"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "escrow_layer",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open).",
		},
		[]string{"endpoint"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		paymentDispatches,
		paymentAmounts,
		verificationOutcomes,
		settlementOutcomes,
		breakerState,
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

// RecordPaymentDispatch records a payment dispatch attempt and, when
// confirmed, the amount moved.
func RecordPaymentDispatch(milestone, status string, amount int64) {
	if milestone == "" {
		milestone = "unknown"
	}
	paymentDispatches.WithLabelValues(milestone, status).Inc()
	if status == "confirmed" && amount > 0 {
		paymentAmounts.WithLabelValues(milestone).Add(float64(amount))
	}
}

// RecordVerificationOutcome records a terminal verification outcome.
func RecordVerificationOutcome(verificationType, outcome string) {
	verificationOutcomes.WithLabelValues(verificationType, outcome).Inc()
}

// RecordSettlementExecution records a settlement attempt result.
func RecordSettlementExecution(result string) {
	settlementOutcomes.WithLabelValues(result).Inc()
}

// RecordBreakerState publishes a breaker's current state for an endpoint.
func RecordBreakerState(endpoint string, state int) {
	breakerState.WithLabelValues(endpoint).Set(float64(state))
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

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "transactions" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/transactions"
	}
	if len(parts) == 2 {
		return "/transactions/:id"
	}
	return "/transactions/:id/" + parts[2]
}
