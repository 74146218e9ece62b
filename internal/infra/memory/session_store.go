package memory

import (
	"context"
	"sort"
	"sync"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository keyed by access code.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) Create(_ context.Context, session *app.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.AccessCode()]; ok {
		return domain.ErrAccessCodeTaken
	}
	s.sessions[session.AccessCode()] = session
	return nil
}

func (s *SessionStore) Get(accessCode string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[accessCode]
	return session, ok
}

func (s *SessionStore) Delete(_ context.Context, accessCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, accessCode)
}

// List returns the registered sessions ordered by access code.
func (s *SessionStore) List() []*app.Session {
	s.mu.RLock()
	out := make([]*app.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccessCode() < out[j].AccessCode() })
	return out
}
