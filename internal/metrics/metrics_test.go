package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/room"
)

var _ room.Observer = (*Metrics)(nil)

func TestObserverCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ResyncPushed()
	m.ResyncSkipped()
	m.ResyncSkipped()
	m.SlowClientDropped()
	m.GraceExpired()
	m.SessionsReaped(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resyncs.WithLabelValues("pushed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Resyncs.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GraceExpiries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReapedSessions))
}

func TestEventAndAnswerCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEvent(domain.Event{Type: domain.EventQuestionActive})
	m.ObserveEvent(domain.Event{Type: domain.EventAnswerResult})
	m.ObserveEvent(domain.Event{Type: domain.EventAnswerResult})
	m.ObserveAnswer(domain.AnswerResult{Accepted: true})
	m.ObserveAnswer(domain.AnswerResult{Reason: domain.RejectTooLate})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues(string(domain.EventQuestionActive))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues(string(domain.EventAnswerResult))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Answers.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Answers.WithLabelValues("too-late")))
}

func TestSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := 2
	RegisterSessionGauge(reg, func() int { return n })

	count, err := testutil.GatherAndCount(reg, "live_quiz_sessions")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, 2.0, families[0].GetMetric()[0].GetGauge().GetValue())
}
