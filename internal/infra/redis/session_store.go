package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// SessionStore is a Redis-aware implementation of app.SessionRepository.
//   - Sessions live in a local map; their state machine and broadcast stay in process.
//   - Redis holds an access-code reservation (SETNX) so two instances never
//     register the same code, plus a TTL liveness marker refreshed by KeepAlive.
type SessionStore struct {
	client   *redis.Client
	ttl      time.Duration
	instance string

	mu       sync.RWMutex
	sessions map[string]*app.Session
}

// reservation is the JSON summary stored at the access-code key.
type reservation struct {
	OwnerID  string      `json:"ownerId"`
	Mode     domain.Mode `json:"mode"`
	Instance string      `json:"instance"`
}

func NewSessionStore(client *redis.Client, ttl time.Duration, instance string) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		instance: instance,
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) Create(ctx context.Context, session *app.Session) error {
	code := session.AccessCode()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[code]; ok {
		return domain.ErrAccessCodeTaken
	}

	payload, err := json.Marshal(reservation{OwnerID: session.OwnerID(), Mode: session.Mode(), Instance: s.instance})
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(code), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve access code %s: %w", code, err)
	}
	if !ok {
		return domain.ErrAccessCodeTaken
	}
	s.sessions[code] = session
	return nil
}

func (s *SessionStore) Get(accessCode string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[accessCode]
	return session, ok
}

func (s *SessionStore) Delete(ctx context.Context, accessCode string) {
	s.mu.Lock()
	delete(s.sessions, accessCode)
	s.mu.Unlock()
	// best-effort release; the TTL cleans up otherwise
	if err := s.client.Del(ctx, s.key(accessCode)).Err(); err != nil {
		log.Warn().Err(err).Str("access_code", accessCode).Msg("release access code")
	}
}

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

// Refresh extends the liveness TTL of every local session.
func (s *SessionStore) Refresh(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, session := range s.List() {
		pipe.Expire(ctx, s.key(session.AccessCode()), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("refresh session liveness: %w", err)
	}
	return nil
}

// KeepAlive calls Refresh every interval until ctx is done. A non-positive
// interval falls back to a third of the store TTL; without a TTL there is
// nothing to refresh.
func (s *SessionStore) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl / 3
	}
	if interval <= 0 {
		log.Warn().Msg("session keepalive disabled: no ttl")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("session keepalive")
			}
		}
	}
}

func (s *SessionStore) key(accessCode string) string {
	return "quiz:session:" + accessCode
}
