package app

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

const (
	defaultQuestionDuration = 30 * time.Second
	defaultEndedRetention   = 10 * time.Minute
	accessCodeAttempts      = 5
)

// SessionRepository abstracts where live sessions are registered (in-memory, Redis, etc).
type SessionRepository interface {
	// Create registers session under its access code or returns domain.ErrAccessCodeTaken.
	Create(ctx context.Context, session *Session) error
	Get(accessCode string) (*Session, bool)
	Delete(ctx context.Context, accessCode string)
	List() []*Session
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Option configures a QuizService.
type Option func(*QuizService)

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *QuizService) { s.clock = clock }
}

// WithDefaultDuration sets the question duration used when a question has none.
func WithDefaultDuration(d time.Duration) Option {
	return func(s *QuizService) {
		if d > 0 {
			s.defaultDuration = d
		}
	}
}

// WithDeferredWindow bounds how long deferred tournaments accept participants.
func WithDeferredWindow(d time.Duration) Option {
	return func(s *QuizService) { s.deferredWindow = d }
}

// WithEndedRetention sets how long ended sessions stay queryable before reaping.
func WithEndedRetention(d time.Duration) Option {
	return func(s *QuizService) {
		if d > 0 {
			s.endedRetention = d
		}
	}
}

// WithTap registers a process-wide consumer of every committed event. Taps run
// under the session lock and must not block.
func WithTap(tap func(domain.Event)) Option {
	return func(s *QuizService) {
		if tap != nil {
			s.taps = append(s.taps, tap)
		}
	}
}

// QuizService contains the core live quiz use cases.
type QuizService struct {
	sessions        SessionRepository
	quizzes         QuizRepository
	clock           clockwork.Clock
	defaultDuration time.Duration
	deferredWindow  time.Duration
	endedRetention  time.Duration
	taps            []func(domain.Event)
}

func NewQuizService(store SessionRepository, quizzes QuizRepository, opts ...Option) *QuizService {
	s := &QuizService{
		sessions:        store,
		quizzes:         quizzes,
		clock:           clockwork.NewRealClock(),
		defaultDuration: defaultQuestionDuration,
		endedRetention:  defaultEndedRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSessionRequest is what the game CRUD API hands over to open a session.
type CreateSessionRequest struct {
	AccessCode string      `json:"accessCode"`
	QuizID     string      `json:"quizId" validate:"required"`
	OwnerID    string      `json:"ownerId" validate:"required"`
	Mode       domain.Mode `json:"mode"`
}

// CreateSession loads the question sequence once and registers a new session.
// An empty access code is generated.
func (s *QuizService) CreateSession(ctx context.Context, req CreateSessionRequest) (domain.SessionSnapshot, error) {
	if req.Mode == "" {
		req.Mode = domain.ModeQuiz
	}
	if !req.Mode.Valid() {
		return domain.SessionSnapshot{}, fmt.Errorf("unknown mode %q", req.Mode)
	}
	quiz, err := s.quizzes.GetQuiz(ctx, req.QuizID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.SessionSnapshot{}, domain.ErrEmptyQuiz
	}

	attempts := 1
	if req.AccessCode == "" {
		attempts = accessCodeAttempts
	}
	for i := 0; i < attempts; i++ {
		code := req.AccessCode
		if code == "" {
			code = generateAccessCode()
		}
		session := NewSession(SessionConfig{
			AccessCode:      code,
			OwnerID:         req.OwnerID,
			QuizID:          req.QuizID,
			Mode:            req.Mode,
			Questions:       quiz.Questions,
			DefaultDuration: s.defaultDuration,
			DeferredWindow:  s.deferredWindow,
			Clock:           s.clock,
			Publish:         s.publish,
		})
		err = s.sessions.Create(ctx, session)
		if errors.Is(err, domain.ErrAccessCodeTaken) {
			continue
		}
		if err != nil {
			return domain.SessionSnapshot{}, err
		}
		log.Info().
			Str("access_code", code).
			Str("quiz_id", req.QuizID).
			Str("mode", string(req.Mode)).
			Int("questions", len(quiz.Questions)).
			Msg("session created")
		return session.Snapshot(), nil
	}
	return domain.SessionSnapshot{}, err
}

// Owner returns the presenter identity of a session.
func (s *QuizService) Owner(_ context.Context, accessCode string) (string, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return "", err
	}
	return session.OwnerID(), nil
}

// Join registers or refreshes a participant without attaching a connection.
func (s *QuizService) Join(_ context.Context, accessCode, identity, displayName string) (domain.Resync, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.Resync{}, err
	}
	return session.attach(identity, displayName, "")
}

// Attach joins if needed and binds a physical connection to the identity.
func (s *QuizService) Attach(_ context.Context, accessCode, identity, displayName, connectionID string) (domain.Resync, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.Resync{}, err
	}
	return session.attach(identity, displayName, connectionID)
}

// Detach unbinds a connection and returns how many the identity still holds.
func (s *QuizService) Detach(_ context.Context, accessCode, identity, connectionID string) (int, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return 0, err
	}
	return session.detach(identity, connectionID), nil
}

// MarkAbsent flags a participant whose grace period expired.
func (s *QuizService) MarkAbsent(_ context.Context, accessCode, identity string) error {
	session, err := s.get(accessCode)
	if err != nil {
		return err
	}
	return session.markAbsent(identity)
}

// Leave removes a participant from the session.
func (s *QuizService) Leave(_ context.Context, accessCode, identity string) error {
	session, err := s.get(accessCode)
	if err != nil {
		return err
	}
	return session.leave(identity)
}

// Start opens the first question.
func (s *QuizService) Start(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionStart, func(session *Session, m *machine) error {
		return session.startLocked(m)
	})
}

// Pause freezes the active question timer.
func (s *QuizService) Pause(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionPause, func(session *Session, m *machine) error {
		return session.pauseLocked(m)
	})
}

// Resume continues a paused question timer.
func (s *QuizService) Resume(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionResume, func(session *Session, m *machine) error {
		return session.resumeLocked(m)
	})
}

// Extend adds delta to the active question.
func (s *QuizService) Extend(ctx context.Context, accessCode, actor string, delta time.Duration) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionExtend, func(session *Session, m *machine) error {
		return session.extendLocked(m, delta)
	})
}

// Stop closes the active question and reveals the answers.
func (s *QuizService) Stop(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionStop, func(session *Session, m *machine) error {
		return session.stopLocked(m)
	})
}

// ShowLeaderboard moves from the reveal to the leaderboard.
func (s *QuizService) ShowLeaderboard(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionLeaderboard, func(session *Session, m *machine) error {
		return session.leaderboardLocked(m)
	})
}

// Advance opens the next question, or the final leaderboard after the last one.
func (s *QuizService) Advance(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionAdvance, func(session *Session, m *machine) error {
		return session.advanceLocked(m)
	})
}

// End finishes the session.
func (s *QuizService) End(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error) {
	return s.control(ctx, accessCode, actor, actionEnd, func(session *Session, m *machine) error {
		return session.endLocked(m)
	})
}

func (s *QuizService) control(_ context.Context, accessCode, actor string, act action, fn func(*Session, *machine) error) (domain.SessionSnapshot, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return session.control(actor, act, func(m *machine) error { return fn(session, m) })
}

// Submit runs a participant answer through the ingestion pipeline. Rejections
// come back as a result, errors only for unknown sessions or participants.
func (s *QuizService) Submit(_ context.Context, accessCode, identity string, questionIndex int, value domain.AnswerValue) (domain.AnswerResult, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	return session.submit(identity, questionIndex, value)
}

// OverrideAnswer replaces a participant's recorded answer on behalf of the presenter.
func (s *QuizService) OverrideAnswer(_ context.Context, accessCode, actor, identity string, questionIndex int, value domain.AnswerValue) (domain.AnswerResult, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	return session.override(actor, identity, questionIndex, value)
}

// Resync computes the full state payload for identity.
func (s *QuizService) Resync(_ context.Context, accessCode, identity string) (domain.Resync, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.Resync{}, err
	}
	return session.resync(identity)
}

// Snapshot returns the presenter view of a session.
func (s *QuizService) Snapshot(_ context.Context, accessCode string) (domain.SessionSnapshot, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return session.Snapshot(), nil
}

// Leaderboard returns the current standings regardless of phase.
func (s *QuizService) Leaderboard(_ context.Context, accessCode string) (domain.Leaderboard, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	return computeLeaderboard(session.accessCode, session.participants, session.answers), nil
}

// Membership is the read-only room view for the debug endpoint.
func (s *QuizService) Membership(_ context.Context, accessCode string) (domain.Membership, error) {
	session, err := s.get(accessCode)
	if err != nil {
		return domain.Membership{}, err
	}
	return session.membership(), nil
}

// Subscribe returns a channel that receives every committed event of a session.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *QuizService) Subscribe(_ context.Context, accessCode string) (<-chan domain.Event, func(), error) {
	session, err := s.get(accessCode)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel, ok := session.subscribe()
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	return ch, cancel, nil
}

// SessionCount reports how many sessions are registered.
func (s *QuizService) SessionCount() int {
	return len(s.sessions.List())
}

// Reap removes ended sessions past retention and deferred sessions past their
// access window. It returns how many were removed.
func (s *QuizService) Reap(ctx context.Context, now time.Time) int {
	removed := 0
	for _, session := range s.sessions.List() {
		if !session.expired(now, s.endedRetention) {
			continue
		}
		s.sessions.Delete(ctx, session.accessCode)
		session.close()
		removed++
		log.Info().Str("access_code", session.accessCode).Msg("session reaped")
	}
	return removed
}

// RunReaper calls Reap every interval until ctx is done. onReap, when set,
// receives the count of each non-empty sweep.
func (s *QuizService) RunReaper(ctx context.Context, interval time.Duration, onReap func(int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			if n := s.Reap(ctx, now); n > 0 && onReap != nil {
				onReap(n)
			}
		}
	}
}

func (s *QuizService) get(accessCode string) (*Session, error) {
	session, ok := s.sessions.Get(accessCode)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *QuizService) publish(ev domain.Event) {
	for _, tap := range s.taps {
		tap(ev)
	}
}

func generateAccessCode() string {
	id := uuid.New()
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(id[:4])%1_000_000)
}
