package reminders

import (
	"sync"

	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
)

type captureSink struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (s *captureSink) WriteEvent(event realtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *captureSink) get(index int) realtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[index]
}
