// Package metrics exposes Prometheus collectors for live sessions and their
// connections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"live-quiz-service/internal/domain"
)

const namespace = "live_quiz"

// Metrics holds the service collectors. It satisfies room.Observer.
type Metrics struct {
	Connections    prometheus.Gauge
	Resyncs        *prometheus.CounterVec
	SlowClients    prometheus.Counter
	GraceExpiries  prometheus.Counter
	ReapedSessions prometheus.Counter
	Events         *prometheus.CounterVec
	Answers        *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Attached websocket connections.",
		}),
		Resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Resync decisions by outcome.",
		}, []string{"outcome"}),
		SlowClients: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_clients_total",
			Help:      "Connections dropped because their outbound queue was full.",
		}),
		GraceExpiries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_expiries_total",
			Help:      "Participants marked absent after the grace period.",
		}),
		ReapedSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_sessions_total",
			Help:      "Ended sessions evicted by the reaper.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed session events by type.",
		}, []string{"type"}),
		Answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answer submissions by outcome.",
		}, []string{"outcome"}),
	}
}

// RegisterSessionGauge exposes the live session count reported by count.
func RegisterSessionGauge(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Sessions held by the service.",
	}, func() float64 { return float64(count()) })
}

func (m *Metrics) ConnectionOpened()  { m.Connections.Inc() }
func (m *Metrics) ConnectionClosed()  { m.Connections.Dec() }
func (m *Metrics) ResyncPushed()      { m.Resyncs.WithLabelValues("pushed").Inc() }
func (m *Metrics) ResyncSkipped()     { m.Resyncs.WithLabelValues("skipped").Inc() }
func (m *Metrics) SlowClientDropped() { m.SlowClients.Inc() }
func (m *Metrics) GraceExpired()      { m.GraceExpiries.Inc() }

// SessionsReaped adds n evicted sessions.
func (m *Metrics) SessionsReaped(n int) {
	m.ReapedSessions.Add(float64(n))
}

// ObserveEvent counts a committed event.
func (m *Metrics) ObserveEvent(ev domain.Event) {
	m.Events.WithLabelValues(string(ev.Type)).Inc()
}

// ObserveAnswer counts a submission outcome, accepted or the rejection reason.
func (m *Metrics) ObserveAnswer(res domain.AnswerResult) {
	outcome := "accepted"
	if !res.Accepted {
		outcome = string(res.Reason)
	}
	m.Answers.WithLabelValues(outcome).Inc()
}
