package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	IntakeCalls         *prometheus.CounterVec
	IntakeCallDuration  *prometheus.HistogramVec
	GuardrailRejections prometheus.Counter
	StreamEvents        *prometheus.CounterVec
	StreamEventsDropped prometheus.Counter
	StreamAborts        *prometheus.CounterVec
	StreamDuration      prometheus.Histogram
	FinalRoutes         *prometheus.CounterVec
	PersistenceResults  *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	OutboxPending       prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntakeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_intake_calls_total",
			Help: "Total intake protocol calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		IntakeCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_intake_call_duration_seconds",
			Help:    "Time taken by intake protocol calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		GuardrailRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "triage_guardrail_rejections_total",
			Help: "Total answers rejected by the guardrail",
		}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_stream_events_total",
			Help: "Total streaming events applied, by type",
		}, []string{"type"}),
		StreamEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "triage_stream_events_discarded_total",
			Help: "Total streaming events discarded after the final event",
		}),
		StreamAborts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_stream_aborts_total",
			Help: "Total streaming channels that ended without a final event",
		}, []string{"reason"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_stream_duration_seconds",
			Help:    "Time from channel open to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FinalRoutes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_final_routes_total",
			Help: "Total finalized cases by normalized risk level",
		}, []string{"classification"}),
		PersistenceResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_persistence_results_total",
			Help: "Total persistence outcomes",
		}, []string{"status"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triage_active_sessions",
			Help: "Current number of open intake sessions",
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triage_outbox_pending",
			Help: "Failed saves waiting in the outbox",
		}),
	}
}
