package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records RPC-facing ledger activity: one requests counter and
// one latency histogram segmented by operation, plus an errors counter
// segmented by the failure category the caller saw.
type LedgerMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised metrics registry used to record
// escrow operation activity.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "requests_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Total ledger operation failures segmented by operation and failure category.",
			}, []string{"operation", "category"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.requests,
			ledgerRegistry.errors,
			ledgerRegistry.latency,
		)
	})
	return ledgerRegistry
}

// Observe records the outcome of a ledger operation. The category should be
// empty for successful calls.
func (m *LedgerMetrics) Observe(operation string, start time.Time, category string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if category != "" {
		outcome = "error"
		m.errors.WithLabelValues(operation, category).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
