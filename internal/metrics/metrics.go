// Package metrics holds the prometheus collectors shared by the reconciler components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payment_reconciler"

// Metrics groups every collector. Build one per registry; tests use a fresh registry.
type Metrics struct {
	RemoteCalls      *prometheus.CounterVec   // operation, result
	RemoteLatency    *prometheus.HistogramVec // operation
	Admissions       prometheus.Counter
	SupersededChecks prometheus.Counter
	CadenceDecisions *prometheus.CounterVec // reason, cadence
	Timeouts         prometheus.Counter
	Outcomes         *prometheus.CounterVec // result
	SinkErrors       *prometheus.CounterVec // sink
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		RemoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote status client calls by operation and result kind.",
		}, []string{"operation", "result"}),
		RemoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of remote status client calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Admissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_admissions_total",
			Help:      "Top-level poll requests admitted as a new generation.",
		}),
		SupersededChecks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "superseded_checks_total",
			Help:      "Scheduled checks or replies dropped because their generation was superseded.",
		}),
		CadenceDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cadence_decisions_total",
			Help:      "Cadence policy decisions by reason and chosen cadence.",
		}, []string{"reason", "cadence"}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_timeouts_total",
			Help:      "Transactions that exceeded the poll attempt threshold.",
		}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminal outcomes delivered, by result.",
		}, []string{"result"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Outcome sink delivery failures.",
		}, []string{"sink"}),
	}
}
