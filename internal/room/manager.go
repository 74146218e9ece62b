// Package room maps live sessions to their physical connections. It dedupes
// reconnect churn, coalesces resync pushes and runs the disconnect grace
// period; all session state changes still go through the app service.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

// Sink is one physical connection. Send must not block; it reports false when
// the connection cannot keep up.
type Sink interface {
	ID() string
	Send(ev domain.Event) bool
	Close()
}

// Service is the part of app.QuizService the manager drives.
type Service interface {
	Owner(ctx context.Context, accessCode string) (string, error)
	Subscribe(ctx context.Context, accessCode string) (<-chan domain.Event, func(), error)
	Attach(ctx context.Context, accessCode, identity, displayName, connectionID string) (domain.Resync, error)
	Detach(ctx context.Context, accessCode, identity, connectionID string) (int, error)
	MarkAbsent(ctx context.Context, accessCode, identity string) error
	Resync(ctx context.Context, accessCode, identity string) (domain.Resync, error)
}

// Observer receives connection lifecycle signals, typically for metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ResyncPushed()
	ResyncSkipped()
	SlowClientDropped()
	GraceExpired()
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened()  {}
func (noopObserver) ConnectionClosed()  {}
func (noopObserver) ResyncPushed()      {}
func (noopObserver) ResyncSkipped()     {}
func (noopObserver) SlowClientDropped() {}
func (noopObserver) GraceExpired()      {}

// Config tunes the reconnect handling.
type Config struct {
	// GracePeriod is how long a participant without connections stays present.
	GracePeriod time.Duration
	// ResyncDebounce delays resync pushes so bursts of attach events coalesce.
	ResyncDebounce time.Duration
	// DedupeWindow lets a reconnect inherit the version last delivered to the
	// identity, so an unchanged state is not pushed twice.
	DedupeWindow time.Duration
	Clock        clockwork.Clock
	Observer     Observer
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.ResyncDebounce <= 0 {
		c.ResyncDebounce = 100 * time.Millisecond
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	return c
}

// ConnectRequest describes a freshly opened connection.
type ConnectRequest struct {
	AccessCode  string
	Identity    string
	DisplayName string
	// Since is the last seq the client has applied, zero when unknown.
	Since uint64
	Sink  Sink
}

// Attachment is returned to the transport for a connected sink.
type Attachment struct {
	Presenter bool
}

// Manager owns the rooms of every live session on this instance.
type Manager struct {
	service Service
	cfg     Config

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	accessCode string
	owner      string
	cancel     func()
	identities map[string]*tracker
}

// tracker is the per-identity reconnect state.
type tracker struct {
	identity    string
	conns       map[string]*conn
	lastVersion uint64
	lastPushAt  time.Time
	grace       clockwork.Timer
	graceGen    uint64
	resync      clockwork.Timer
}

type conn struct {
	sink   Sink
	seq    uint64 // highest seq delivered on this connection
	synced bool   // live events flow only after the first resync decision
}

func NewManager(service Service, cfg Config) *Manager {
	return &Manager{
		service: service,
		cfg:     cfg.withDefaults(),
		rooms:   make(map[string]*room),
	}
}

// Connect attaches a sink to its logical participant (or the presenter) and
// schedules the resync push that brings it to the current state.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.ensureRoomLocked(ctx, req.AccessCode)
	if err != nil {
		return Attachment{}, err
	}
	if _, err := m.service.Attach(ctx, req.AccessCode, req.Identity, req.DisplayName, req.Sink.ID()); err != nil {
		m.dropIfIdleLocked(r)
		return Attachment{}, err
	}

	t := r.tracker(req.Identity)
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
		t.graceGen++
		log.Info().
			Str("access_code", r.accessCode).
			Str("identity", req.Identity).
			Msg("reconnected within grace period")
	}

	c := &conn{sink: req.Sink, seq: req.Since}
	// Only a reconnect inherits; a second tab next to a live one needs its own push.
	if len(t.conns) == 0 && m.cfg.Clock.Since(t.lastPushAt) < m.cfg.DedupeWindow && t.lastVersion > c.seq {
		c.seq = t.lastVersion
	}
	t.conns[req.Sink.ID()] = c
	m.cfg.Observer.ConnectionOpened()
	m.scheduleResyncLocked(r, t)

	log.Info().
		Str("access_code", r.accessCode).
		Str("identity", req.Identity).
		Str("connection_id", req.Sink.ID()).
		Int("identity_connections", len(t.conns)).
		Msg("connection attached")
	return Attachment{Presenter: req.Identity == r.owner}, nil
}

// Disconnect detaches a sink. The last connection of a participant starts
// the grace period.
func (m *Manager) Disconnect(ctx context.Context, accessCode, identity, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[accessCode]
	if !ok {
		return
	}
	t, ok := r.identities[identity]
	if !ok {
		return
	}
	if _, ok := t.conns[connectionID]; !ok {
		return
	}
	delete(t.conns, connectionID)
	m.cfg.Observer.ConnectionClosed()

	remaining, err := m.service.Detach(ctx, accessCode, identity, connectionID)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Error().Err(err).Str("access_code", accessCode).Str("identity", identity).Msg("detach connection")
	}
	log.Info().
		Str("access_code", accessCode).
		Str("identity", identity).
		Str("connection_id", connectionID).
		Int("remaining", remaining).
		Msg("connection detached")

	if len(t.conns) > 0 {
		return
	}
	if t.resync != nil {
		t.resync.Stop()
		t.resync = nil
	}
	if identity == r.owner || err != nil {
		delete(r.identities, identity)
		m.dropIfIdleLocked(r)
		return
	}
	t.graceGen++
	gen := t.graceGen
	t.grace = m.cfg.Clock.AfterFunc(m.cfg.GracePeriod, func() {
		m.graceExpired(accessCode, identity, gen)
	})
}

// Resync pushes a fresh phase-resync to one connection, bypassing dedupe.
func (m *Manager) Resync(ctx context.Context, accessCode, identity, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[accessCode]
	if !ok {
		return domain.ErrSessionNotFound
	}
	t, ok := r.identities[identity]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	c, ok := t.conns[connectionID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	rs, err := m.service.Resync(ctx, accessCode, identity)
	if err != nil {
		return err
	}
	c.synced = true
	m.pushLocked(r, t, c, domain.ResyncEvent(accessCode, rs))
	return nil
}

// Connections reports how many sinks are attached to a session on this instance.
func (m *Manager) Connections(accessCode string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[accessCode]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range r.identities {
		n += len(t.conns)
	}
	return n
}

// Close detaches every room and closes all sinks.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.cancel()
	}
}

func (m *Manager) ensureRoomLocked(ctx context.Context, accessCode string) (*room, error) {
	if r, ok := m.rooms[accessCode]; ok {
		return r, nil
	}
	owner, err := m.service.Owner(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	events, cancel, err := m.service.Subscribe(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	r := &room{
		accessCode: accessCode,
		owner:      owner,
		cancel:     cancel,
		identities: make(map[string]*tracker),
	}
	m.rooms[accessCode] = r
	go m.pump(r, events)
	return r, nil
}

// pump delivers committed session events until the subscription closes.
func (m *Manager) pump(r *room, events <-chan domain.Event) {
	for ev := range events {
		m.deliver(r, ev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.accessCode] == r {
		delete(m.rooms, r.accessCode)
	}
	for _, t := range r.identities {
		stopTimers(t)
		for _, c := range t.conns {
			c.sink.Close()
		}
	}
	log.Debug().Str("access_code", r.accessCode).Msg("room closed")
}

func (m *Manager) deliver(r *room, ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.accessCode] != r {
		return
	}
	for identity, t := range r.identities {
		if !routes(ev, identity, r.owner) {
			continue
		}
		for _, c := range t.conns {
			if c.synced {
				m.pushLocked(r, t, c, ev)
			}
		}
	}
}

func routes(ev domain.Event, identity, owner string) bool {
	switch {
	case identity == owner:
		return true
	case ev.PresenterOnly:
		return false
	case ev.Target != "":
		return ev.Target == identity
	default:
		return true
	}
}

// pushLocked keeps delivery on one connection monotonic in seq, so an event
// older than a resync already sent is skipped.
func (m *Manager) pushLocked(r *room, t *tracker, c *conn, ev domain.Event) {
	if ev.Seq <= c.seq && ev.Type != domain.EventPhaseResync {
		return
	}
	if !c.sink.Send(ev) {
		log.Warn().
			Str("access_code", r.accessCode).
			Str("identity", t.identity).
			Str("connection_id", c.sink.ID()).
			Msg("slow client, closing connection")
		m.cfg.Observer.SlowClientDropped()
		c.sink.Close()
		return
	}
	c.seq = ev.Seq
	if ev.Seq >= t.lastVersion {
		t.lastVersion = ev.Seq
		t.lastPushAt = m.cfg.Clock.Now()
	}
}

func (m *Manager) scheduleResyncLocked(r *room, t *tracker) {
	if t.resync != nil {
		// A push is already pending; the burst coalesces into it.
		return
	}
	t.resync = m.cfg.Clock.AfterFunc(m.cfg.ResyncDebounce, func() {
		m.flushResync(r, t)
	})
}

func (m *Manager) flushResync(r *room, t *tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.resync = nil
	if m.rooms[r.accessCode] != r || r.identities[t.identity] != t || len(t.conns) == 0 {
		return
	}
	rs, err := m.service.Resync(context.Background(), r.accessCode, t.identity)
	if err != nil {
		log.Warn().Err(err).Str("access_code", r.accessCode).Str("identity", t.identity).Msg("resync")
		return
	}
	ev := domain.ResyncEvent(r.accessCode, rs)
	for _, c := range t.conns {
		if c.synced {
			continue
		}
		c.synced = true
		if c.seq >= ev.Seq {
			m.cfg.Observer.ResyncSkipped()
			log.Debug().
				Str("access_code", r.accessCode).
				Str("identity", t.identity).
				Str("connection_id", c.sink.ID()).
				Uint64("seq", ev.Seq).
				Msg("resync skipped, connection is current")
			continue
		}
		m.cfg.Observer.ResyncPushed()
		m.pushLocked(r, t, c, ev)
	}
}

func (m *Manager) graceExpired(accessCode, identity string, gen uint64) {
	m.mu.Lock()
	r, ok := m.rooms[accessCode]
	if !ok {
		m.mu.Unlock()
		return
	}
	t, ok := r.identities[identity]
	if !ok || t.graceGen != gen || len(t.conns) > 0 {
		m.mu.Unlock()
		return
	}
	t.grace = nil
	delete(r.identities, identity)
	m.dropIfIdleLocked(r)
	m.mu.Unlock()

	m.cfg.Observer.GraceExpired()
	log.Info().Str("access_code", accessCode).Str("identity", identity).Msg("grace period expired")
	if err := m.service.MarkAbsent(context.Background(), accessCode, identity); err != nil &&
		!errors.Is(err, domain.ErrSessionNotFound) && !errors.Is(err, domain.ErrParticipantNotFound) {
		log.Error().Err(err).Str("access_code", accessCode).Str("identity", identity).Msg("mark absent")
	}
}

// dropIfIdleLocked releases the session subscription once nobody is attached
// and no grace period is pending.
func (m *Manager) dropIfIdleLocked(r *room) {
	if len(r.identities) > 0 {
		return
	}
	delete(m.rooms, r.accessCode)
	r.cancel()
}

func (r *room) tracker(identity string) *tracker {
	t, ok := r.identities[identity]
	if !ok {
		t = &tracker{identity: identity, conns: make(map[string]*conn)}
		r.identities[identity] = t
	}
	return t
}

func stopTimers(t *tracker) {
	if t.grace != nil {
		t.grace.Stop()
	}
	if t.resync != nil {
		t.resync.Stop()
	}
}
