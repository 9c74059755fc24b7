package sinks

import (
	"context"
	"maps"
	"sync"

	"void-reckoning/dashboard/logging"
)

// MemorySink keeps the most recent events in memory for tests and for
// inspecting a running session. A limit of zero keeps everything.
type MemorySink struct {
	mu     sync.RWMutex
	events []logging.Event
	limit  int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func NewBoundedMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: max(limit, 0)}
}

func (s *MemorySink) Write(event logging.Event) error {
	if event.Extra != nil {
		event.Extra = maps.Clone(event.Extra)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = append(s.events[:0], s.events[len(s.events)-s.limit:]...)
	}
	return nil
}

func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]logging.Event(nil), s.events...)
}

// OfType returns the retained events of the given types, oldest first.
func (s *MemorySink) OfType(types ...logging.EventType) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []logging.Event
	for _, event := range s.events {
		for _, t := range types {
			if event.Type == t {
				out = append(out, event)
				break
			}
		}
	}
	return out
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
