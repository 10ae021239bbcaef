// Package metrics exposes the Prometheus collectors for the ledger core.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custodia",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custodia",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	vaultMovements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Subsystem: "ledger",
			Name:      "vault_movements_total",
			Help:      "Total number of vault deposits and releases.",
		},
		[]string{"kind", "result"},
	)

	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Subsystem: "ledger",
			Name:      "transfers_total",
			Help:      "Total number of accounting-only transfers.",
		},
		[]string{"kind", "result"},
	)

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Subsystem: "session",
			Name:      "verifications_total",
			Help:      "Total number of session verification attempts.",
		},
		[]string{"result"},
	)

	delegations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Subsystem: "delegation",
			Name:      "transitions_total",
			Help:      "Total number of delegation state transitions.",
		},
		[]string{"transition", "result"},
	)

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "custodia",
			Subsystem: "delegation",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of undelegation reconcile passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		vaultMovements,
		transfers,
		verifications,
		delegations,
		reconcileDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request metrics using the mux route template as the path
// label so per-record URLs do not explode cardinality.
func Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
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

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if template, err := route.GetPathTemplate(); err == nil {
					path = template
				}
			}
			method := strings.ToUpper(r.Method)

			httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
			httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordVaultMovement counts a deposit ("deposit") or release ("release").
func RecordVaultMovement(kind string, err error) {
	vaultMovements.WithLabelValues(kind, resultLabel(err)).Inc()
}

// RecordTransfer counts an accounting-only transfer by kind
// ("owner_to_owner", "owner_to_name", "name_to_owner").
func RecordTransfer(kind string, err error) {
	transfers.WithLabelValues(kind, resultLabel(err)).Inc()
}

// RecordVerification counts a session verification attempt.
func RecordVerification(err error) {
	verifications.WithLabelValues(resultLabel(err)).Inc()
}

// RecordDelegationTransition counts a delegation state transition
// ("delegate", "undelegate_request", "apply").
func RecordDelegationTransition(transition string, err error) {
	delegations.WithLabelValues(transition, resultLabel(err)).Inc()
}

// ObserveReconcilePass records the duration of one reconcile poller pass.
func ObserveReconcilePass(duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	reconcileDuration.Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}
