package domain

// EventType names a wire-level event.
type EventType string

const (
	EventQuestionActive    EventType = "question-active"
	EventTimerUpdate       EventType = "timer-update"
	EventAnswerResult      EventType = "answer-result"
	EventShowAnswers       EventType = "show-answers"
	EventLeaderboardUpdate EventType = "leaderboard-update"
	EventPhaseResync       EventType = "phase-resync"
	EventPresenceUpdate    EventType = "presence-update"
	EventSessionEnded      EventType = "session-ended"
)

// Event is one canonical payload produced by a committed session mutation.
// Snapshot is always complete so clients never replay history.
type Event struct {
	Type       EventType        `json:"type"`
	AccessCode string           `json:"accessCode"`
	Seq        uint64           `json:"seq"`
	Snapshot   SessionSnapshot  `json:"snapshot"`
	Self       *ParticipantView `json:"self,omitempty"`
	Result     *AnswerResult    `json:"result,omitempty"`

	// Target restricts delivery to one participant (and the presenter) when set.
	Target string `json:"-"`
	// PresenterOnly restricts delivery to presenter connections.
	PresenterOnly bool `json:"-"`
}

// ResyncEvent wraps a resync payload in the phase-resync envelope.
func ResyncEvent(accessCode string, r Resync) Event {
	return Event{
		Type:       EventPhaseResync,
		AccessCode: accessCode,
		Seq:        r.Snapshot.Version,
		Snapshot:   r.Snapshot,
		Self:       r.Self,
	}
}
