package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

// ResultStore archives the final leaderboard of every ended session.
type ResultStore struct {
	pool  *pgxpool.Pool
	queue chan domain.Event
}

func NewResultStore(pool *pgxpool.Pool, buffer int) *ResultStore {
	if buffer <= 0 {
		buffer = 64
	}
	return &ResultStore{pool: pool, queue: make(chan domain.Event, buffer)}
}

// Observe is a session tap. Only session-ended events are queued; a full
// queue drops the result with a warning.
func (r *ResultStore) Observe(ev domain.Event) {
	if ev.Type != domain.EventSessionEnded || ev.Target != "" {
		return
	}
	select {
	case r.queue <- ev:
	default:
		log.Warn().Str("access_code", ev.AccessCode).Msg("result queue full, dropping session result")
	}
}

// Run drains the queue until ctx is done.
func (r *ResultStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			if err := r.Save(ctx, ev.Snapshot, time.Now()); err != nil {
				log.Error().Err(err).Str("access_code", ev.AccessCode).Msg("archive session result")
			}
		}
	}
}

// Save writes one final snapshot.
func (r *ResultStore) Save(ctx context.Context, snap domain.SessionSnapshot, endedAt time.Time) error {
	var entries []domain.LeaderboardEntry
	if snap.Leaderboard != nil {
		entries = snap.Leaderboard.Entries
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_results (access_code, mode, question_count, participant_count, leaderboard, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.AccessCode, string(snap.Mode), snap.QuestionCount, snap.ParticipantCount, raw, endedAt)
	if err != nil {
		return fmt.Errorf("insert session result: %w", err)
	}
	return nil
}
