package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/domain"
)

func TestQuizRepositoryCaches(t *testing.T) {
	loader := &countingLoader{QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()})}
	repo := NewQuizRepository(loader, time.Minute)

	_, err := repo.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	quiz, err := repo.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)

	assert.EqualValues(t, 1, loader.calls.Load(), "second lookup must hit the cache")
	assert.Len(t, quiz.Questions, 1)
}

func TestQuizRepositoryExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loader := &countingLoader{QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()})}
	repo := NewQuizRepositoryWithClock(loader, time.Minute, clock)

	_, err := repo.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute) // beyond ttl plus max jitter
	_, err = repo.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loader.calls.Load())

	repo.Invalidate("quiz-1")
	_, err = repo.GetQuiz(context.Background(), "quiz-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, loader.calls.Load())
}

func TestQuizRepositoryCoalescesConcurrentLoads(t *testing.T) {
	release := make(chan struct{})
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}),
		gate:       release,
	}
	repo := NewQuizRepository(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.GetQuiz(context.Background(), "quiz-1")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return loader.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, loader.calls.Load(), int32(2))
}

func TestQuizRepositoryUnknownQuiz(t *testing.T) {
	repo := NewQuizRepository(NewStaticQuizLoader(nil), time.Minute)
	_, err := repo.GetQuiz(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrQuizNotFound)
}

func TestDemoQuizIsPlayable(t *testing.T) {
	quiz := DemoQuiz()
	require.NotEmpty(t, quiz.Questions)
	for _, q := range quiz.Questions {
		assert.NotEmpty(t, q.ID)
		assert.Positive(t, q.DurationMs)
	}
}

type countingLoader struct {
	QuizLoader
	calls atomic.Int32
	gate  chan struct{}
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3", Correct: false},
					{ID: "o2", Text: "4", Correct: true},
				},
				Points: 1,
			},
		},
	}
}
