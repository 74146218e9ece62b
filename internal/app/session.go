package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/timer"
)

type action string

const (
	actionStart       action = "start"
	actionPause       action = "pause"
	actionResume      action = "resume"
	actionExtend      action = "extend"
	actionStop        action = "stop"
	actionLeaderboard action = "leaderboard"
	actionAdvance     action = "advance"
	actionEnd         action = "end"
	actionOverride    action = "override"
)

// machine is one copy of the phase state machine. Shared modes have exactly
// one; per-participant modes have one per participant plus an idle shared one
// the presenter can only end.
type machine struct {
	runner string // participant identity owning this run, empty for the shared machine
	phase  domain.Phase
	index  int
	timer  *timer.Timer
	reveal *domain.RevealSnapshot
	expiry clockwork.Timer
	gen    uint64
}

// Session is an in-memory representation of a live quiz. All mutations run
// one at a time under mu; snapshot construction only takes the read lock.
type Session struct {
	accessCode      string
	ownerID         string
	quizID          string
	mode            domain.Mode
	questions       []domain.Question
	defaultDuration time.Duration
	createdAt       time.Time
	closesAt        time.Time // zero unless the mode has a deferred access window
	clock           clockwork.Clock
	publish         func(domain.Event)

	mu             sync.RWMutex
	version        uint64
	endedAt        time.Time
	closed         bool
	shared         *machine
	runs           map[string]*machine
	participants   map[string]*domain.Participant
	answers        map[int]map[string]*domain.AcceptedAnswer
	presenterConns map[string]struct{}
	subscribers    map[chan domain.Event]struct{}
}

// SessionConfig describes a session registered from the game CRUD API.
type SessionConfig struct {
	AccessCode      string
	OwnerID         string
	QuizID          string
	Mode            domain.Mode
	Questions       []domain.Question
	DefaultDuration time.Duration
	DeferredWindow  time.Duration
	Clock           clockwork.Clock
	Publish         func(domain.Event)
}

// NewSession builds a session in the lobby phase. Questions are copied and
// normalized; the caller keeps ownership of cfg.Questions.
func NewSession(cfg SessionConfig) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = defaultQuestionDuration
	}
	now := clock.Now()
	s := &Session{
		accessCode:      cfg.AccessCode,
		ownerID:         cfg.OwnerID,
		quizID:          cfg.QuizID,
		mode:            cfg.Mode,
		questions:       cloneQuestions(cfg.Questions),
		defaultDuration: cfg.DefaultDuration,
		createdAt:       now,
		clock:           clock,
		publish:         cfg.Publish,
		shared:          &machine{phase: domain.PhaseLobby, timer: timer.New(clock)},
		runs:            make(map[string]*machine),
		participants:    make(map[string]*domain.Participant),
		answers:         make(map[int]map[string]*domain.AcceptedAnswer),
		presenterConns:  make(map[string]struct{}),
		subscribers:     make(map[chan domain.Event]struct{}),
	}
	if cfg.Mode == domain.ModeDeferredTournament && cfg.DeferredWindow > 0 {
		s.closesAt = now.Add(cfg.DeferredWindow)
	}
	return s
}

// AccessCode returns the immutable access code of the session.
func (s *Session) AccessCode() string { return s.accessCode }

// OwnerID returns the presenter identity allowed to drive transitions.
func (s *Session) OwnerID() string { return s.ownerID }

// Mode returns the session mode.
func (s *Session) Mode() domain.Mode { return s.mode }

// control resolves the machine the actor may drive, settles a lapsed timer and
// runs fn. The returned snapshot reflects the committed state.
func (s *Session) control(actor string, act action, fn func(m *machine) error) (domain.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.machineForLocked(actor, act)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	s.settleLocked(m)
	if err := fn(m); err != nil {
		return domain.SessionSnapshot{}, withPhase(err, m.phase)
	}
	return s.snapshotLocked(m), nil
}

func (s *Session) machineForLocked(actor string, act action) (*machine, error) {
	if s.closed {
		return nil, domain.ErrSessionNotFound
	}
	if !s.mode.PerParticipant() {
		if actor != s.ownerID {
			return nil, domain.ErrNotAuthorized
		}
		return s.shared, nil
	}

	// Per-participant modes: the presenter only closes the session, every
	// participant drives their own run.
	if actor == s.ownerID {
		if act != actionEnd {
			return nil, s.invalidLocked(act, s.shared)
		}
		return s.shared, nil
	}
	run, ok := s.runs[actor]
	if !ok {
		return nil, domain.ErrNotAuthorized
	}
	switch act {
	case actionEnd:
		return nil, domain.ErrNotAuthorized
	case actionPause, actionResume, actionExtend:
		if s.mode == domain.ModeDeferredTournament {
			return nil, domain.ErrNotAuthorized
		}
	}
	if s.shared.phase == domain.PhaseEnded {
		return nil, s.invalidLocked(act, s.shared)
	}
	return run, nil
}

// machineOfLocked returns the machine a participant observes.
func (s *Session) machineOfLocked(identity string) *machine {
	if run, ok := s.runs[identity]; ok {
		return run
	}
	return s.shared
}

func (s *Session) startLocked(m *machine) error {
	if m.phase != domain.PhaseLobby {
		return s.invalidLocked(actionStart, m)
	}
	if len(s.questions) == 0 {
		return domain.ErrEmptyQuiz
	}
	return s.beginQuestionLocked(m, 0)
}

func (s *Session) beginQuestionLocked(m *machine, index int) error {
	m.timer.Reset()
	if err := m.timer.Start(s.questionDuration(index)); err != nil {
		return err
	}
	m.index = index
	m.reveal = nil
	m.phase = domain.PhaseQuestionActive
	s.scheduleExpiryLocked(m)
	s.commitLocked(domain.EventQuestionActive, m, "", nil)
	return nil
}

func (s *Session) pauseLocked(m *machine) error {
	if m.phase != domain.PhaseQuestionActive {
		return s.invalidLocked(actionPause, m)
	}
	if m.timer.Status() == domain.TimerPaused {
		return nil
	}
	if err := m.timer.Pause(); err != nil {
		return err
	}
	s.cancelExpiryLocked(m)
	s.commitLocked(domain.EventTimerUpdate, m, "", nil)
	return nil
}

func (s *Session) resumeLocked(m *machine) error {
	if m.phase != domain.PhaseQuestionActive {
		return s.invalidLocked(actionResume, m)
	}
	if err := m.timer.Resume(); err != nil {
		return err
	}
	s.scheduleExpiryLocked(m)
	s.commitLocked(domain.EventTimerUpdate, m, "", nil)
	return nil
}

func (s *Session) extendLocked(m *machine, delta time.Duration) error {
	if m.phase != domain.PhaseQuestionActive {
		return s.invalidLocked(actionExtend, m)
	}
	if err := m.timer.Extend(delta); err != nil {
		return err
	}
	if m.timer.Status() == domain.TimerRunning {
		s.scheduleExpiryLocked(m)
	}
	s.commitLocked(domain.EventTimerUpdate, m, "", nil)
	return nil
}

func (s *Session) stopLocked(m *machine) error {
	switch m.phase {
	case domain.PhaseShowAnswers:
		return nil
	case domain.PhaseQuestionActive:
		s.stopQuestionLocked(m)
		return nil
	default:
		return s.invalidLocked(actionStop, m)
	}
}

// stopQuestionLocked closes the acceptance window and retains the reveal
// snapshot that every later resync of this phase will carry.
func (s *Session) stopQuestionLocked(m *machine) {
	m.timer.Stop()
	s.cancelExpiryLocked(m)
	m.reveal = s.buildRevealLocked(m)
	m.phase = domain.PhaseShowAnswers
	s.commitLocked(domain.EventShowAnswers, m, "", nil)
}

func (s *Session) leaderboardLocked(m *machine) error {
	if m.phase != domain.PhaseShowAnswers {
		return s.invalidLocked(actionLeaderboard, m)
	}
	m.phase = domain.PhaseLeaderboard
	s.commitLocked(domain.EventLeaderboardUpdate, m, "", nil)
	return nil
}

func (s *Session) advanceLocked(m *machine) error {
	if m.phase != domain.PhaseShowAnswers && m.phase != domain.PhaseLeaderboard {
		return s.invalidLocked(actionAdvance, m)
	}
	if next := m.index + 1; next < len(s.questions) {
		return s.beginQuestionLocked(m, next)
	}
	switch {
	case m.phase == domain.PhaseShowAnswers:
		m.phase = domain.PhaseLeaderboard
		s.commitLocked(domain.EventLeaderboardUpdate, m, "", nil)
		return nil
	case m.runner != "":
		m.phase = domain.PhaseEnded
		s.commitLocked(domain.EventSessionEnded, m, "", nil)
		return nil
	default:
		return s.invalidLocked(actionAdvance, m)
	}
}

func (s *Session) endLocked(m *machine) error {
	if m.phase != domain.PhaseLobby && m.phase != domain.PhaseLeaderboard {
		return s.invalidLocked(actionEnd, m)
	}
	for _, run := range s.runs {
		s.cancelExpiryLocked(run)
		run.timer.Stop()
		run.phase = domain.PhaseEnded
	}
	m.phase = domain.PhaseEnded
	s.endedAt = s.clock.Now()
	s.commitLocked(domain.EventSessionEnded, m, "", nil)
	log.Info().
		Str("access_code", s.accessCode).
		Int("participants", len(s.participants)).
		Msg("session ended")
	return nil
}

// settleLocked performs a natural expiry that is due but whose scheduled task
// has not run yet, so ingestion never races the deadline.
func (s *Session) settleLocked(m *machine) {
	if m.phase == domain.PhaseQuestionActive && m.timer.Expired() {
		s.stopQuestionLocked(m)
	}
}

func (s *Session) scheduleExpiryLocked(m *machine) {
	s.cancelExpiryLocked(m)
	if m.timer.Status() != domain.TimerRunning {
		return
	}
	gen := m.gen
	m.expiry = s.clock.AfterFunc(m.timer.Remaining(), func() {
		s.expire(m, gen)
	})
}

func (s *Session) cancelExpiryLocked(m *machine) {
	m.gen++
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
}

// expire runs from the scheduled expiry task and goes through the same lock
// as every other mutation.
func (s *Session) expire(m *machine, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || m.gen != gen || m.phase != domain.PhaseQuestionActive {
		return
	}
	if !m.timer.Expired() {
		s.scheduleExpiryLocked(m)
		return
	}
	log.Debug().
		Str("access_code", s.accessCode).
		Str("runner", m.runner).
		Int("question_index", m.index).
		Msg("question timer expired")
	s.stopQuestionLocked(m)
}

// attach registers a connection for identity, joining the session first if
// the identity is new. The presenter attaches without a participant record.
func (s *Session) attach(identity, displayName, connectionID string) (domain.Resync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.Resync{}, domain.ErrSessionNotFound
	}
	if identity == s.ownerID {
		if connectionID != "" {
			s.presenterConns[connectionID] = struct{}{}
		}
		return domain.Resync{Snapshot: s.snapshotLocked(s.shared)}, nil
	}

	now := s.clock.Now()
	changed := false
	p, ok := s.participants[identity]
	if !ok {
		if s.shared.phase == domain.PhaseEnded {
			return domain.Resync{}, domain.ErrSessionEnded
		}
		p = &domain.Participant{
			Identity:              identity,
			DisplayName:           displayName,
			ConnectionIDs:         make(map[string]struct{}),
			JoinedAtQuestionIndex: s.shared.index,
			JoinedAt:              now,
			LateJoiner:            s.shared.phase != domain.PhaseLobby,
			LastUpdated:           now,
		}
		s.participants[identity] = p
		if s.mode.PerParticipant() {
			s.runs[identity] = &machine{runner: identity, phase: domain.PhaseLobby, timer: timer.New(s.clock)}
			p.JoinedAtQuestionIndex = 0
			p.LateJoiner = false
		}
		changed = true
	} else if displayName != "" && displayName != p.DisplayName {
		p.DisplayName = displayName
		changed = true
	}

	if connectionID != "" {
		p.ConnectionIDs[connectionID] = struct{}{}
		if !p.Present {
			p.Present = true
			changed = true
		}
	}
	if changed {
		s.commitLocked(domain.EventPresenceUpdate, s.shared, "", nil)
	}
	m := s.machineOfLocked(identity)
	return domain.Resync{Snapshot: s.snapshotLocked(m), Self: s.selfViewLocked(p, m)}, nil
}

// detach removes a physical connection and reports how many remain for the identity.
// Presence is kept until the grace period expires.
func (s *Session) detach(identity, connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identity == s.ownerID {
		delete(s.presenterConns, connectionID)
		return len(s.presenterConns)
	}
	p, ok := s.participants[identity]
	if !ok {
		return 0
	}
	delete(p.ConnectionIDs, connectionID)
	return len(p.ConnectionIDs)
}

// markAbsent is the mutation enqueued when a grace period lapses.
func (s *Session) markAbsent(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionNotFound
	}
	p, ok := s.participants[identity]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if len(p.ConnectionIDs) > 0 || !p.Present {
		return nil
	}
	p.Present = false
	s.commitLocked(domain.EventPresenceUpdate, s.shared, "", nil)
	return nil
}

func (s *Session) leave(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionNotFound
	}
	if _, ok := s.participants[identity]; !ok {
		return domain.ErrParticipantNotFound
	}
	delete(s.participants, identity)
	// A rejoin starts from a fresh record, so its answers go with it.
	for _, byIdentity := range s.answers {
		delete(byIdentity, identity)
	}
	if run, ok := s.runs[identity]; ok {
		s.cancelExpiryLocked(run)
		delete(s.runs, identity)
	}
	s.commitLocked(domain.EventPresenceUpdate, s.shared, "", nil)
	return nil
}

func (s *Session) resync(identity string) (domain.Resync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return domain.Resync{}, domain.ErrSessionNotFound
	}
	if identity == s.ownerID {
		return domain.Resync{Snapshot: s.snapshotLocked(s.shared)}, nil
	}
	p, ok := s.participants[identity]
	if !ok {
		return domain.Resync{}, domain.ErrParticipantNotFound
	}
	m := s.machineOfLocked(identity)
	return domain.Resync{Snapshot: s.snapshotLocked(m), Self: s.selfViewLocked(p, m)}, nil
}

// Snapshot returns the presenter view of the session.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(s.shared)
}

func (s *Session) membership() domain.Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]domain.MemberView, 0, len(s.participants))
	for _, p := range s.participants {
		members = append(members, domain.MemberView{
			UserID:      p.Identity,
			DisplayName: p.DisplayName,
			Present:     p.Present,
			Connections: len(p.ConnectionIDs),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return domain.Membership{
		AccessCode:           s.accessCode,
		Phase:                s.shared.phase,
		PresenterConnections: len(s.presenterConns),
		Members:              members,
	}
}

// expired reports whether the reaper should drop the session.
func (s *Session) expired(now time.Time, retention time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.endedAt.IsZero() && now.Sub(s.endedAt) >= retention {
		return true
	}
	return !s.closesAt.IsZero() && !now.Before(s.closesAt)
}

// close stops every scheduled task and releases subscribers.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cancelExpiryLocked(s.shared)
	for _, run := range s.runs {
		s.cancelExpiryLocked(run)
	}
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
}

func (s *Session) questionDuration(index int) time.Duration {
	if d := s.questions[index].DurationMs; d > 0 {
		return time.Duration(d) * time.Millisecond
	}
	return s.defaultDuration
}

func (s *Session) invalidLocked(act action, m *machine) error {
	return &domain.TransitionError{Action: string(act), Phase: m.phase, Timer: m.timer.Status()}
}

// withPhase fills in the phase on timer-level transition errors.
func withPhase(err error, phase domain.Phase) error {
	var terr *domain.TransitionError
	if errors.As(err, &terr) && terr.Phase == "" {
		terr.Phase = phase
	}
	return err
}

func cloneQuestions(in []domain.Question) []domain.Question {
	out := make([]domain.Question, len(in))
	for i, q := range in {
		q.Options = append([]domain.Option(nil), q.Options...)
		if q.NumericAnswer != nil {
			v := *q.NumericAnswer
			q.NumericAnswer = &v
		}
		if q.Type == "" {
			q.Type = domain.QuestionSingle
		}
		if q.Points <= 0 {
			q.Points = 1
		}
		out[i] = q
	}
	return out
}
