package logging

import (
	"maps"
	"sync"
)

// Metrics is a keyed counter set. The router counts routed events under
// "logging.<type>"; feed counters are mirrored in beside them.
type Metrics struct {
	mu     sync.Mutex
	values map[string]uint64
}

func (m *Metrics) Add(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]uint64)
	}
	m.values[key] += delta
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.values)
}
