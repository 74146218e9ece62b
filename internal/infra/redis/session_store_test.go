package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

func TestSessionStoreReservesAndReleasesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	store := NewSessionStore(newClient(mr), time.Minute, "node-a")

	session := app.NewSession(app.SessionConfig{AccessCode: "424242", OwnerID: "host", Mode: domain.ModeTournament})
	require.NoError(t, store.Create(ctx, session))
	require.True(t, mr.Exists("quiz:session:424242"))

	raw, err := mr.Get("quiz:session:424242")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ownerId":"host","mode":"tournament","instance":"node-a"}`, raw)

	store.Delete(ctx, "424242")
	assert.False(t, mr.Exists("quiz:session:424242"))
	_, ok := store.Get("424242")
	assert.False(t, ok)
}

func TestSessionStoreRejectsCodeReservedElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	nodeA := NewSessionStore(newClient(mr), time.Minute, "node-a")
	nodeB := NewSessionStore(newClient(mr), time.Minute, "node-b")

	require.NoError(t, nodeA.Create(ctx, app.NewSession(app.SessionConfig{AccessCode: "111111", OwnerID: "a"})))
	err := nodeB.Create(ctx, app.NewSession(app.SessionConfig{AccessCode: "111111", OwnerID: "b"}))
	assert.ErrorIs(t, err, domain.ErrAccessCodeTaken)
	assert.Empty(t, nodeB.List())
}

func TestSessionStoreRefreshExtendsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	store := NewSessionStore(newClient(mr), time.Minute, "node-a")
	require.NoError(t, store.Create(ctx, app.NewSession(app.SessionConfig{AccessCode: "222222", OwnerID: "a"})))

	mr.FastForward(50 * time.Second)
	require.NoError(t, store.Refresh(ctx))
	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists("quiz:session:222222"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("quiz:session:222222"))
}

func TestKeepAliveToleratesNonPositiveInterval(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, ttl := range []time.Duration{0, time.Minute} {
		store := NewSessionStore(newClient(mr), ttl, "node-a")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			store.KeepAlive(ctx, 0)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("keepalive with ttl %s did not stop", ttl)
		}
	}
}
