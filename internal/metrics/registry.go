package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds the Prometheus metrics for the reply loop
type Registry struct {
	reg *prometheus.Registry

	Calls       *prometheus.CounterVec   // platform calls by endpoint and result
	Transitions *prometheus.CounterVec   // scheduler state transitions
	Waits       *prometheus.HistogramVec // blocking waits by reason
	Skipped     prometheus.Counter       // search results already in the ledger
	LedgerSize  prometheus.Gauge
}

// NewRegistry creates the metrics on a private registry so several
// schedulers (or tests) can coexist in one process.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replyrun_platform_calls_total",
				Help: "Platform API calls by endpoint and result kind",
			},
			[]string{"endpoint", "result"},
		),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replyrun_state_transitions_total",
				Help: "Scheduler state transitions",
			},
			[]string{"from", "to"},
		),

		Waits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replyrun_wait_seconds",
				Help:    "Duration of scheduler waits in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
			},
			[]string{"reason"},
		),

		Skipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "replyrun_already_replied_total",
				Help: "Search results skipped because the ledger already holds them",
			},
		),

		LedgerSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replyrun_ledger_entries",
				Help: "Distinct post ids in the dedup ledger",
			},
		),
	}

	r.reg.MustRegister(r.Calls, r.Transitions, r.Waits, r.Skipped, r.LedgerSize)
	return r
}

// RecordCall counts one platform call
func (r *Registry) RecordCall(endpoint, result string) {
	r.Calls.WithLabelValues(endpoint, result).Inc()
}

// RecordTransition counts one state change
func (r *Registry) RecordTransition(from, to string) {
	r.Transitions.WithLabelValues(from, to).Inc()
}

// RecordWait observes a wait
func (r *Registry) RecordWait(reason string, d time.Duration) {
	r.Waits.WithLabelValues(reason).Observe(d.Seconds())
}

// CallCount reads back a call counter, for the status endpoint and tests
func (r *Registry) CallCount(endpoint, result string) float64 {
	m := &io_prometheus_client.Metric{}
	if err := r.Calls.WithLabelValues(endpoint, result).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
