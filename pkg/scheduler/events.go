package scheduler

import "github.com/jdziat/scanflow/pkg/core"

// Events returns a channel of scheduler events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (s *Scheduler) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel created by Events. The channel is not closed.
func (s *Scheduler) Unsubscribe(ch <-chan core.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// emit sends e to every subscriber, dropping it for subscribers that are full.
func (s *Scheduler) emit(events ...core.Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	subs := make([]chan core.Event, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	for _, e := range events {
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
}
