package app

import (
	"errors"
	"time"

	"live-quiz-service/internal/domain"
)

var errInvalidAnswer = errors.New("invalid answer")

// submit is the single ingestion path for answers. Rejections are returned
// without touching state; an acceptance is recorded exactly once per
// participant and question.
func (s *Session) submit(identity string, questionIndex int, value domain.AnswerValue) (domain.AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.AnswerResult{}, domain.ErrSessionNotFound
	}
	p, ok := s.participants[identity]
	if !ok {
		return domain.AnswerResult{}, domain.ErrParticipantNotFound
	}
	m := s.machineOfLocked(identity)
	// A deadline that already passed wins over a submission racing it.
	s.settleLocked(m)

	result := domain.AnswerResult{QuestionIndex: questionIndex}
	if prev := s.answerLocked(questionIndex, identity); prev != nil {
		result.Value = cloneValue(prev.Value)
	}

	switch {
	case questionIndex < 0 || questionIndex >= len(s.questions):
		result.Reason = domain.RejectInvalidAnswer
		return result, nil
	case m.phase == domain.PhaseLobby || questionIndex > m.index:
		result.Reason = domain.RejectNotOpen
		return result, nil
	case questionIndex < m.index, m.phase != domain.PhaseQuestionActive, m.timer.Status() == domain.TimerStopped:
		result.Reason = domain.RejectTooLate
		return result, nil
	case result.Value != nil:
		result.Reason = domain.RejectAlreadyAnswered
		return result, nil
	}

	q := s.questions[questionIndex]
	correct, points, err := scoreAnswer(q, value, s.bonusLocked(m))
	if err != nil {
		result.Reason = domain.RejectInvalidAnswer
		return result, nil
	}

	now := s.clock.Now()
	accepted := &domain.AcceptedAnswer{
		Value:      *cloneValue(value),
		AcceptedAt: now,
		Correct:    correct,
		Points:     points,
	}
	s.recordLocked(questionIndex, identity, accepted)
	p.Score += points
	if points > 0 {
		p.LastUpdated = now
	}

	result.Accepted = true
	result.Value = cloneValue(accepted.Value)
	s.commitLocked(domain.EventAnswerResult, m, identity, &result)
	return result, nil
}

// override lets the presenter correct a participant's recorded answer after
// the fact. Corrections never carry a speed bonus and leave a reveal that was
// already shown untouched.
func (s *Session) override(actor, identity string, questionIndex int, value domain.AnswerValue) (domain.AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.AnswerResult{}, domain.ErrSessionNotFound
	}
	if actor != s.ownerID {
		return domain.AnswerResult{}, domain.ErrNotAuthorized
	}
	p, ok := s.participants[identity]
	if !ok {
		return domain.AnswerResult{}, domain.ErrParticipantNotFound
	}
	m := s.machineOfLocked(identity)
	if questionIndex < 0 || questionIndex >= len(s.questions) ||
		questionIndex > m.index || m.phase == domain.PhaseLobby {
		return domain.AnswerResult{}, s.invalidLocked(actionOverride, m)
	}

	result := domain.AnswerResult{QuestionIndex: questionIndex}
	prev := s.answerLocked(questionIndex, identity)
	if prev != nil {
		result.Value = cloneValue(prev.Value)
	}
	correct, points, err := scoreAnswer(s.questions[questionIndex], value, nil)
	if err != nil {
		result.Reason = domain.RejectInvalidAnswer
		return result, nil
	}

	now := s.clock.Now()
	accepted := &domain.AcceptedAnswer{
		Value:      *cloneValue(value),
		AcceptedAt: now,
		Correct:    correct,
		Points:     points,
		Corrected:  true,
	}
	if prev != nil {
		accepted.AcceptedAt = prev.AcceptedAt
		p.Score -= prev.Points
	}
	s.recordLocked(questionIndex, identity, accepted)
	p.Score += points
	p.LastUpdated = now

	result.Accepted = true
	result.Value = cloneValue(accepted.Value)
	s.commitLocked(domain.EventAnswerResult, m, identity, &result)
	return result, nil
}

func (s *Session) recordLocked(index int, identity string, a *domain.AcceptedAnswer) {
	byIdentity, ok := s.answers[index]
	if !ok {
		byIdentity = make(map[string]*domain.AcceptedAnswer)
		s.answers[index] = byIdentity
	}
	byIdentity[identity] = a
}

type bonusWindow struct {
	remaining time.Duration
	duration  time.Duration
}

func (s *Session) bonusLocked(m *machine) *bonusWindow {
	if !s.mode.SpeedBonus() {
		return nil
	}
	return &bonusWindow{remaining: m.timer.Remaining(), duration: m.timer.Duration()}
}

// scoreAnswer validates value against q and returns (correct, points). A
// correct answer earns the question points plus, when a bonus window is
// given, a share proportional to the time left.
func scoreAnswer(q domain.Question, value domain.AnswerValue, bonus *bonusWindow) (bool, int, error) {
	var correct bool
	switch q.Type {
	case domain.QuestionNumeric:
		if value.Number == nil || len(value.OptionIDs) > 0 {
			return false, 0, errInvalidAnswer
		}
		correct = q.NumericAnswer != nil && *value.Number == *q.NumericAnswer
	case domain.QuestionMultiple:
		if len(value.OptionIDs) == 0 || value.Number != nil {
			return false, 0, errInvalidAnswer
		}
		selected := make(map[string]struct{}, len(value.OptionIDs))
		for _, id := range value.OptionIDs {
			if _, dup := selected[id]; dup || !hasOption(q, id) {
				return false, 0, errInvalidAnswer
			}
			selected[id] = struct{}{}
		}
		correct = true
		for _, o := range q.Options {
			if _, picked := selected[o.ID]; picked != o.Correct {
				correct = false
				break
			}
		}
	default:
		if len(value.OptionIDs) != 1 || value.Number != nil {
			return false, 0, errInvalidAnswer
		}
		opt, ok := findOption(q, value.OptionIDs[0])
		if !ok {
			return false, 0, errInvalidAnswer
		}
		correct = opt.Correct
	}

	if !correct {
		return false, 0, nil
	}
	points := q.Points
	if points == 0 {
		points = 1
	}
	if bonus != nil && bonus.duration.Milliseconds() > 0 {
		points += int(int64(points) * bonus.remaining.Milliseconds() / bonus.duration.Milliseconds())
	}
	return true, points, nil
}

func findOption(q domain.Question, id string) (domain.Option, bool) {
	for _, o := range q.Options {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Option{}, false
}

func hasOption(q domain.Question, id string) bool {
	_, ok := findOption(q, id)
	return ok
}
