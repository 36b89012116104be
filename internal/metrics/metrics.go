// ABOUTME: Prometheus instrumentation for the generation engine
// ABOUTME: Counters and gauges registered against an injectable registry

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine reports.
type Metrics struct {
	GenerationsStarted  prometheus.Counter
	GenerationsFinished *prometheus.CounterVec // label: status
	GenerationsActive   prometheus.Gauge
	EventsPublished     *prometheus.CounterVec // label: type
	ApprovalDecisions   *prometheus.CounterVec // label: decision
	AuthOutcomes        *prometheus.CounterVec // label: outcome
	QueuedMessages      prometheus.Counter
	RuntimeRetries      prometheus.Counter
}

// New creates and registers the engine's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GenerationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_generations_started_total",
			Help: "Generations started.",
		}),
		GenerationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_generations_finished_total",
			Help: "Generations reaching a terminal status.",
		}, []string{"status"}),
		GenerationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_generations_active",
			Help: "Generations with a live worker.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_events_published_total",
			Help: "Events published to generation streams.",
		}, []string{"type"}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_approval_decisions_total",
			Help: "Approval gate resolutions.",
		}, []string{"decision"}),
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_auth_outcomes_total",
			Help: "Auth gate resolutions.",
		}, []string{"outcome"}),
		QueuedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_queued_messages_total",
			Help: "Follow-up messages queued behind an active generation.",
		}),
		RuntimeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_runtime_retries_total",
			Help: "Runtime run attempts retried after a transient failure.",
		}),
	}

	reg.MustRegister(
		m.GenerationsStarted,
		m.GenerationsFinished,
		m.GenerationsActive,
		m.EventsPublished,
		m.ApprovalDecisions,
		m.AuthOutcomes,
		m.QueuedMessages,
		m.RuntimeRetries,
	)
	return m
}
