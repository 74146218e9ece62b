package domain

import "time"

// Mode selects how a session drives its question lifecycle.
type Mode string

const (
	ModeQuiz               Mode = "quiz"
	ModeTournament         Mode = "tournament"
	ModePractice           Mode = "practice"
	ModeDeferredTournament Mode = "deferred-tournament"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeQuiz, ModeTournament, ModePractice, ModeDeferredTournament:
		return true
	}
	return false
}

// PerParticipant reports whether every participant runs an independent copy
// of the question sequence instead of sharing the presenter's clock.
func (m Mode) PerParticipant() bool {
	return m == ModePractice || m == ModeDeferredTournament
}

// SpeedBonus reports whether faster answers earn extra points.
func (m Mode) SpeedBonus() bool {
	return m == ModeTournament || m == ModeDeferredTournament
}

// Phase is the position of a session (or a participant run) in its question lifecycle.
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseQuestionActive Phase = "question_active"
	PhaseShowAnswers    Phase = "show_answers"
	PhaseLeaderboard    Phase = "leaderboard"
	PhaseEnded          Phase = "ended"
)

// TimerStatus is the state of the Timer Authority for the active question.
type TimerStatus string

const (
	TimerIdle    TimerStatus = "idle"
	TimerRunning TimerStatus = "running"
	TimerPaused  TimerStatus = "paused"
	TimerStopped TimerStatus = "stopped"
)

// QuestionType selects how a submitted answer is checked for correctness.
type QuestionType string

const (
	QuestionSingle   QuestionType = "single"
	QuestionMultiple QuestionType = "multiple"
	QuestionNumeric  QuestionType = "numeric"
)

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question is an immutable question snapshot handed over by the question store.
type Question struct {
	ID            string       `json:"id"`
	Prompt        string       `json:"prompt"`
	Type          QuestionType `json:"type"` // defaults to single if empty
	Options       []Option     `json:"options"`
	NumericAnswer *float64     `json:"numericAnswer,omitempty"`
	Points        int          `json:"points"`     // defaults to 1 if zero
	DurationMs    int64        `json:"durationMs"` // defaults to the session default if zero
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// AnswerValue is the payload a participant submits. Choice questions use
// OptionIDs (exactly one for single), numeric questions use Number.
type AnswerValue struct {
	OptionIDs []string `json:"optionIds,omitempty"`
	Number    *float64 `json:"number,omitempty"`
}

// AcceptedAnswer is the one recorded answer of a participant for a question.
type AcceptedAnswer struct {
	Value      AnswerValue
	AcceptedAt time.Time
	Correct    bool
	Points     int
	Corrected  bool
}

// Participant is a logical participant that survives reconnects.
type Participant struct {
	Identity              string
	DisplayName           string
	ConnectionIDs         map[string]struct{}
	JoinedAtQuestionIndex int
	JoinedAt              time.Time
	LateJoiner            bool
	Present               bool
	Score                 int
	LastUpdated           time.Time
}

// TimerSnapshot is a broadcast-safe view of the Timer Authority.
type TimerSnapshot struct {
	Status      TimerStatus `json:"status"`
	RemainingMs int64       `json:"remainingMs"`
	DurationMs  int64       `json:"durationMs"`
}

// QuestionView is the participant-safe projection of a question (no correctness data).
type QuestionView struct {
	Index      int          `json:"index"`
	ID         string       `json:"id"`
	Prompt     string       `json:"prompt"`
	Type       QuestionType `json:"type"`
	Options    []OptionView `json:"options,omitempty"`
	Points     int          `json:"points"`
	DurationMs int64        `json:"durationMs"`
}

// OptionView is an answer option without its correctness flag.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// OptionTally counts accepted answers that selected an option.
type OptionTally struct {
	OptionID string `json:"optionId"`
	Count    int    `json:"count"`
}

// RevealSnapshot is the correct-answer view retained when a question stops.
// The same value is delivered live and on every later resync.
type RevealSnapshot struct {
	QuestionIndex    int           `json:"questionIndex"`
	QuestionID       string        `json:"questionId"`
	CorrectOptionIDs []string      `json:"correctOptionIds,omitempty"`
	CorrectNumber    *float64      `json:"correctNumber,omitempty"`
	Tally            []OptionTally `json:"tally,omitempty"`
	AnsweredCount    int           `json:"answeredCount"`
	CorrectCount     int           `json:"correctCount"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	AccessCode string             `json:"accessCode"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// SessionSnapshot is the canonical, self-contained state of a session (or of
// one participant run). Live broadcasts and resync payloads are both built from it.
type SessionSnapshot struct {
	AccessCode       string          `json:"accessCode"`
	Mode             Mode            `json:"mode"`
	Phase            Phase           `json:"phase"`
	Version          uint64          `json:"version"`
	QuestionIndex    int             `json:"questionIndex"`
	QuestionCount    int             `json:"questionCount"`
	Question         *QuestionView   `json:"question,omitempty"`
	Timer            TimerSnapshot   `json:"timer"`
	Reveal           *RevealSnapshot `json:"reveal,omitempty"`
	Leaderboard      *Leaderboard    `json:"leaderboard,omitempty"`
	AnsweredCount    int             `json:"answeredCount"`
	ParticipantCount int             `json:"participantCount"`
	PresentCount     int             `json:"presentCount"`
}

// ParticipantView is the personal part of a resync payload.
type ParticipantView struct {
	UserID                string       `json:"userId"`
	DisplayName           string       `json:"displayName"`
	Score                 int          `json:"score"`
	Present               bool         `json:"present"`
	JoinedAtQuestionIndex int          `json:"joinedAtQuestionIndex"`
	LateJoiner            bool         `json:"lateJoiner"`
	CurrentAnswer         *AnswerValue `json:"currentAnswer,omitempty"`
}

// RejectReason explains why a submission was not accepted.
type RejectReason string

const (
	RejectTooLate         RejectReason = "too-late"
	RejectAlreadyAnswered RejectReason = "already-answered"
	RejectNotOpen         RejectReason = "not-open"
	RejectInvalidAnswer   RejectReason = "invalid-answer"
)

// AnswerResult is the typed outcome of a submission. Value is what the client
// must display afterwards: the accepted value, the previously accepted value on
// rejection, or nil when nothing has been accepted.
type AnswerResult struct {
	QuestionIndex int          `json:"questionIndex"`
	Accepted      bool         `json:"accepted"`
	Reason        RejectReason `json:"reason,omitempty"`
	Value         *AnswerValue `json:"value"`
}

// Resync is the full state a connection needs after (re)joining.
type Resync struct {
	Snapshot SessionSnapshot  `json:"snapshot"`
	Self     *ParticipantView `json:"self,omitempty"`
}

// MemberView is a read-only room membership entry for introspection.
type MemberView struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Present     bool   `json:"present"`
	Connections int    `json:"connections"`
}

// Membership is the read-only room view returned by the debug endpoint.
type Membership struct {
	AccessCode           string       `json:"accessCode"`
	Phase                Phase        `json:"phase"`
	PresenterConnections int          `json:"presenterConnections"`
	Members              []MemberView `json:"members"`
}
