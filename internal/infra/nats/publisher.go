// Package nats mirrors committed session events onto NATS subjects so
// external consumers (analytics, archival) can follow live sessions.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

const DefaultSubjectPrefix = "quiz.events"

// Config for the NATS connection.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Buffer        int
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Publisher queues events from the session tap and publishes them from its
// own goroutine, so a slow broker never blocks a session mutation.
type Publisher struct {
	conn    Conn
	prefix  string
	queue   chan domain.Event
	dropped atomic.Uint64
}

// Connect dials NATS with reconnect handlers that log through zerolog.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("live-quiz-service"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Error().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix, cfg.Buffer), nil
}

func NewPublisher(conn Conn, prefix string, buffer int) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{conn: conn, prefix: prefix, queue: make(chan domain.Event, buffer)}
}

// Subject is <prefix>.<accessCode>.<eventType>.
func Subject(prefix, accessCode string, typ domain.EventType) string {
	return fmt.Sprintf("%s.%s.%s", prefix, accessCode, typ)
}

// Offer enqueues ev without blocking. Events are dropped when the queue is full.
func (p *Publisher) Offer(ev domain.Event) {
	select {
	case p.queue <- ev:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Uint64("dropped", n).Str("access_code", ev.AccessCode).Msg("nats queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run publishes queued events until ctx is done, then flushes and closes the
// connection.
func (p *Publisher) Run(ctx context.Context) {
	defer func() {
		if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
			log.Warn().Err(err).Msg("nats flush on shutdown")
		}
		p.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.publish(ev); err != nil {
				log.Error().Err(err).
					Str("access_code", ev.AccessCode).
					Str("event_type", string(ev.Type)).
					Msg("publish event")
			}
		}
	}
}

func (p *Publisher) publish(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{
		Subject: Subject(p.prefix, ev.AccessCode, ev.Type),
		Data:    data,
		Header: nats.Header{
			"Event-Type":  []string{string(ev.Type)},
			"Access-Code": []string{ev.AccessCode},
			"Seq":         []string{strconv.FormatUint(ev.Seq, 10)},
		},
	}
	if ev.Target != "" {
		msg.Header.Set("Target", ev.Target)
	}
	if ev.PresenterOnly {
		msg.Header.Set("Presenter-Only", "true")
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
