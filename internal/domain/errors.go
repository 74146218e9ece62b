package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no live session matches an access code.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrNotAuthorized is returned when a non-owner issues a presenter transition.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrInvalidTransition is returned when a transition is not allowed in the current phase.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in quiz")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrEmptyQuiz indicates a quiz without questions cannot be started.
	ErrEmptyQuiz = errors.New("quiz has no questions")
	// ErrAccessCodeTaken is returned when an access code is already registered.
	ErrAccessCodeTaken = errors.New("access code already in use")
	// ErrSessionEnded is returned when new participants try to join an ended session.
	ErrSessionEnded = errors.New("quiz session ended")
	// ErrInvalidDuration is returned for non-positive durations or extensions.
	ErrInvalidDuration = errors.New("invalid duration")
)

// TransitionError describes a rejected phase or timer transition.
type TransitionError struct {
	Action string
	Phase  Phase
	Timer  TimerStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s while phase=%s timer=%s", e.Action, e.Phase, e.Timer)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return "session-not-found"
	case errors.Is(err, ErrNotAuthorized):
		return "not-authorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid-transition"
	case errors.Is(err, ErrParticipantNotFound):
		return "participant-not-found"
	case errors.Is(err, ErrQuizNotFound):
		return "quiz-not-found"
	case errors.Is(err, ErrEmptyQuiz):
		return "empty-quiz"
	case errors.Is(err, ErrAccessCodeTaken):
		return "access-code-taken"
	case errors.Is(err, ErrSessionEnded):
		return "session-ended"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid-duration"
	default:
		return "internal"
	}
}
