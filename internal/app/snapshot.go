package app

import (
	"sort"
	"time"

	"live-quiz-service/internal/domain"
)

// snapshotLocked is the single builder for every outbound state payload.
// Live events and resyncs both go through it.
func (s *Session) snapshotLocked(m *machine) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		AccessCode:    s.accessCode,
		Mode:          s.mode,
		Phase:         m.phase,
		Version:       s.version,
		QuestionIndex: m.index,
		QuestionCount: len(s.questions),
		Timer:         m.timer.Snapshot(),
	}
	for _, p := range s.participants {
		snap.ParticipantCount++
		if p.Present {
			snap.PresentCount++
		}
	}

	switch m.phase {
	case domain.PhaseQuestionActive, domain.PhaseShowAnswers:
		view := questionView(m.index, s.questions[m.index])
		snap.Question = &view
		snap.AnsweredCount = s.answeredCountLocked(m)
		if m.phase == domain.PhaseShowAnswers {
			snap.Reveal = m.reveal
		}
	case domain.PhaseLeaderboard, domain.PhaseEnded:
		lb := computeLeaderboard(s.accessCode, s.participants, s.answers)
		snap.Leaderboard = &lb
	}
	return snap
}

// selfViewLocked returns the personal half of a resync: the participant's own
// record and the answer they have accepted for the question the machine is on.
func (s *Session) selfViewLocked(p *domain.Participant, m *machine) *domain.ParticipantView {
	view := &domain.ParticipantView{
		UserID:                p.Identity,
		DisplayName:           p.DisplayName,
		Score:                 p.Score,
		Present:               p.Present,
		JoinedAtQuestionIndex: p.JoinedAtQuestionIndex,
		LateJoiner:            p.LateJoiner,
	}
	if m.phase == domain.PhaseQuestionActive || m.phase == domain.PhaseShowAnswers {
		if a := s.answerLocked(m.index, p.Identity); a != nil {
			view.CurrentAnswer = cloneValue(a.Value)
		}
	}
	return view
}

func (s *Session) answerLocked(index int, identity string) *domain.AcceptedAnswer {
	return s.answers[index][identity]
}

// scopeLocked lists the accepted answers a machine accounts for: the whole
// room on the shared machine, the runner alone on a participant run.
func (s *Session) scopeLocked(m *machine) []*domain.AcceptedAnswer {
	byIdentity := s.answers[m.index]
	if m.runner != "" {
		if a, ok := byIdentity[m.runner]; ok {
			return []*domain.AcceptedAnswer{a}
		}
		return nil
	}
	out := make([]*domain.AcceptedAnswer, 0, len(byIdentity))
	for identity, a := range byIdentity {
		if _, ok := s.participants[identity]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) answeredCountLocked(m *machine) int {
	return len(s.scopeLocked(m))
}

func (s *Session) buildRevealLocked(m *machine) *domain.RevealSnapshot {
	q := s.questions[m.index]
	reveal := &domain.RevealSnapshot{
		QuestionIndex: m.index,
		QuestionID:    q.ID,
	}
	if q.Type == domain.QuestionNumeric {
		if q.NumericAnswer != nil {
			v := *q.NumericAnswer
			reveal.CorrectNumber = &v
		}
	} else {
		reveal.CorrectOptionIDs = []string{}
		for _, o := range q.Options {
			if o.Correct {
				reveal.CorrectOptionIDs = append(reveal.CorrectOptionIDs, o.ID)
			}
		}
	}

	counts := make(map[string]int, len(q.Options))
	for _, a := range s.scopeLocked(m) {
		reveal.AnsweredCount++
		if a.Correct {
			reveal.CorrectCount++
		}
		for _, id := range a.Value.OptionIDs {
			counts[id]++
		}
	}
	if q.Type != domain.QuestionNumeric {
		reveal.Tally = make([]domain.OptionTally, 0, len(q.Options))
		for _, o := range q.Options {
			reveal.Tally = append(reveal.Tally, domain.OptionTally{OptionID: o.ID, Count: counts[o.ID]})
		}
	}
	return reveal
}

func questionView(index int, q domain.Question) domain.QuestionView {
	view := domain.QuestionView{
		Index:      index,
		ID:         q.ID,
		Prompt:     q.Prompt,
		Type:       q.Type,
		Points:     q.Points,
		DurationMs: q.DurationMs,
	}
	for _, o := range q.Options {
		view.Options = append(view.Options, domain.OptionView{ID: o.ID, Text: o.Text})
	}
	return view
}

// computeLeaderboard derives standings from accepted answers only. Ties are
// broken by who reached their score first, then by display name.
func computeLeaderboard(accessCode string, participants map[string]*domain.Participant, answers map[int]map[string]*domain.AcceptedAnswer) domain.Leaderboard {
	type standing struct {
		entry   domain.LeaderboardEntry
		reached time.Time
	}
	standings := make(map[string]*standing, len(participants))
	for id, p := range participants {
		standings[id] = &standing{entry: domain.LeaderboardEntry{UserID: id, DisplayName: p.DisplayName}}
	}
	for _, byIdentity := range answers {
		for id, a := range byIdentity {
			st, ok := standings[id]
			if !ok || a.Points == 0 {
				continue
			}
			st.entry.Score += a.Points
			if a.AcceptedAt.After(st.reached) {
				st.reached = a.AcceptedAt
			}
		}
	}

	list := make([]*standing, 0, len(standings))
	for _, st := range standings {
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.entry.Score != b.entry.Score {
			return a.entry.Score > b.entry.Score
		}
		if !a.reached.Equal(b.reached) {
			return a.reached.Before(b.reached)
		}
		if a.entry.DisplayName != b.entry.DisplayName {
			return a.entry.DisplayName < b.entry.DisplayName
		}
		return a.entry.UserID < b.entry.UserID
	})

	entries := make([]domain.LeaderboardEntry, len(list))
	for i, st := range list {
		st.entry.Rank = i + 1
		if i > 0 && st.entry.Score == entries[i-1].Score {
			st.entry.Rank = entries[i-1].Rank
		}
		entries[i] = st.entry
	}
	return domain.Leaderboard{AccessCode: accessCode, Entries: entries}
}

func cloneValue(v domain.AnswerValue) *domain.AnswerValue {
	out := domain.AnswerValue{OptionIDs: append([]string(nil), v.OptionIDs...)}
	if v.Number != nil {
		n := *v.Number
		out.Number = &n
	}
	return &out
}
