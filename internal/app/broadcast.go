package app

import "live-quiz-service/internal/domain"

const subscriberBuffer = 64

// commitLocked bumps the version and fans out the canonical payload. Events of
// a participant run go to the runner; other shared events in per-participant
// modes are presenter-only, except the final session-ended.
func (s *Session) commitLocked(typ domain.EventType, m *machine, target string, result *domain.AnswerResult) domain.Event {
	s.version++
	if target == "" {
		target = m.runner
	}
	ev := domain.Event{
		Type:       typ,
		AccessCode: s.accessCode,
		Seq:        s.version,
		Snapshot:   s.snapshotLocked(m),
		Result:     result,
		Target:     target,
	}
	if target == "" && s.mode.PerParticipant() && typ != domain.EventSessionEnded {
		ev.PresenterOnly = true
	}
	s.broadcastLocked(ev)
	return ev
}

func (s *Session) broadcastLocked(ev domain.Event) {
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop the oldest queued event so a slow reader never blocks a mutation.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	if s.publish != nil {
		s.publish(ev)
	}
}

// subscribe registers a listener for committed events. Closed sessions return
// ok=false.
func (s *Session) subscribe() (<-chan domain.Event, func(), bool) {
	ch := make(chan domain.Event, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, true
}
