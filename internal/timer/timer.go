// Package timer implements the authoritative question clock. A Timer is not
// safe for concurrent use; it is owned by exactly one session (or participant
// run) and only touched under that owner's lock.
package timer

import (
	"time"

	"github.com/jonboulle/clockwork"

	"live-quiz-service/internal/domain"
)

// Timer tracks the remaining time of the active question, excluding paused intervals.
type Timer struct {
	clock clockwork.Clock

	status            domain.TimerStatus
	duration          time.Duration
	startedAt         time.Time
	accumulatedPaused time.Duration
	pausedAt          time.Time
	stoppedAt         time.Time
}

// New returns an idle timer reading time from clock.
func New(clock clockwork.Clock) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{clock: clock, status: domain.TimerIdle}
}

// Start begins a fresh countdown. It is only valid from idle or stopped.
func (t *Timer) Start(d time.Duration) error {
	if t.status != domain.TimerIdle && t.status != domain.TimerStopped {
		return t.invalid("start")
	}
	if d <= 0 {
		return domain.ErrInvalidDuration
	}
	t.status = domain.TimerRunning
	t.duration = d
	t.startedAt = t.clock.Now()
	t.accumulatedPaused = 0
	t.pausedAt = time.Time{}
	t.stoppedAt = time.Time{}
	return nil
}

// Pause freezes the countdown. Pausing a paused timer is a no-op.
func (t *Timer) Pause() error {
	switch t.status {
	case domain.TimerPaused:
		return nil
	case domain.TimerRunning:
		t.pausedAt = t.clock.Now()
		t.status = domain.TimerPaused
		return nil
	default:
		return t.invalid("pause")
	}
}

// Resume continues a paused countdown; the paused interval is excluded from elapsed time.
func (t *Timer) Resume() error {
	if t.status != domain.TimerPaused {
		return t.invalid("resume")
	}
	t.accumulatedPaused += t.clock.Now().Sub(t.pausedAt)
	t.pausedAt = time.Time{}
	t.status = domain.TimerRunning
	return nil
}

// Extend adds d to the allotted duration in any status. While paused the extra
// time becomes visible as soon as the timer resumes.
func (t *Timer) Extend(d time.Duration) error {
	if d <= 0 {
		return domain.ErrInvalidDuration
	}
	t.duration += d
	return nil
}

// Stop closes the countdown. It is idempotent and marks the instant after
// which no answers for the active question may be accepted.
func (t *Timer) Stop() {
	if t.status == domain.TimerStopped {
		return
	}
	now := t.clock.Now()
	if t.status == domain.TimerPaused {
		now = t.pausedAt
	}
	t.stoppedAt = now
	t.status = domain.TimerStopped
}

// Reset returns the timer to idle, ready for the next question.
func (t *Timer) Reset() {
	*t = Timer{clock: t.clock, status: domain.TimerIdle}
}

// Status returns the current timer status.
func (t *Timer) Status() domain.TimerStatus {
	return t.status
}

// Duration returns the allotted time including extensions.
func (t *Timer) Duration() time.Duration {
	return t.duration
}

// Elapsed returns the time spent running, excluding pauses.
func (t *Timer) Elapsed() time.Duration {
	var ref time.Time
	switch t.status {
	case domain.TimerIdle:
		return 0
	case domain.TimerRunning:
		ref = t.clock.Now()
	case domain.TimerPaused:
		ref = t.pausedAt
	case domain.TimerStopped:
		ref = t.stoppedAt
	}
	elapsed := ref.Sub(t.startedAt) - t.accumulatedPaused
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining returns the time left, clamped at zero.
func (t *Timer) Remaining() time.Duration {
	if t.status == domain.TimerIdle {
		return 0
	}
	remaining := t.duration - t.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports a running timer whose countdown has reached zero but has not
// been stopped yet.
func (t *Timer) Expired() bool {
	return t.status == domain.TimerRunning && t.Remaining() == 0
}

// Snapshot returns a broadcast-safe value describing the timer now.
func (t *Timer) Snapshot() domain.TimerSnapshot {
	return domain.TimerSnapshot{
		Status:      t.status,
		RemainingMs: t.Remaining().Milliseconds(),
		DurationMs:  t.duration.Milliseconds(),
	}
}

func (t *Timer) invalid(action string) error {
	return &domain.TransitionError{Action: action, Timer: t.status}
}
