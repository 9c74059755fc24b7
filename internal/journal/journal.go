package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"void-reckoning/dashboard/logging"
)

// Telemetry captures the metrics adapter used by the journal to report drops.
type Telemetry interface {
	RecordJournalDrop(metric string)
}

const (
	metricJournalDuplicate = "journal_duplicate"
	metricJournalMalformed = "journal_malformed"
	metricJournalEvicted   = "journal_evicted"
)

const DefaultCapacity = 100

var ErrMalformedEvent = errors.New("journal: malformed event")

// Event is a discrete domain event as retained by the journal.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Universe  string         `json:"universe,omitempty"`
	Category  string         `json:"category"`
	EventType string         `json:"event_type"`
	Turn      *int           `json:"turn"`
	Faction   *string        `json:"faction"`
	Data      map[string]any `json:"data,omitempty"`
}

// FactionName returns the faction or the empty string when unset.
func (e Event) FactionName() string {
	if e.Faction == nil {
		return ""
	}
	return *e.Faction
}

// Validate reports whether the event carries the fields identity depends on.
func (e Event) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp missing", ErrMalformedEvent)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type missing", ErrMalformedEvent)
	}
	return nil
}

type identityKey struct {
	Timestamp int64          `json:"t"`
	EventType string         `json:"e"`
	Faction   *string        `json:"f"`
	Data      map[string]any `json:"d"`
}

// identity renders the dedup tuple canonically. encoding/json sorts map keys
// at every depth, so structurally equal payloads encode identically.
func identity(e Event) ([]byte, uint64, error) {
	encoded, err := json.Marshal(identityKey{
		Timestamp: e.Timestamp.UnixNano(),
		EventType: e.EventType,
		Faction:   e.Faction,
		Data:      e.Data,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return encoded, xxhash.Sum64(encoded), nil
}

type entry struct {
	event Event
	key   []byte
	hash  uint64
}

// Journal is a bounded, deduplicating, newest-first store of domain events.
// Eviction drops the oldest entry once capacity is exceeded.
type Journal struct {
	mu        sync.RWMutex
	capacity  int
	entries   []entry
	index     map[uint64][]int
	telemetry Telemetry
	publisher logging.Publisher
	stats     Stats
}

type Stats struct {
	Len        int    `json:"len"`
	Capacity   int    `json:"capacity"`
	Ingested   uint64 `json:"ingested"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Evicted    uint64 `json:"evicted"`
}

func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		capacity: capacity,
		entries:  make([]entry, 0, capacity),
		index:    make(map[uint64][]int),
	}
}

// AttachTelemetry wires drop counters into the journal.
func (j *Journal) AttachTelemetry(t Telemetry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.telemetry = t
}

// AttachPublisher routes rejected bus events to pub.
func (j *Journal) AttachPublisher(pub logging.Publisher) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.publisher = pub
}

// Ingest stores a single event at the head of the journal. Re-ingesting an
// already retained identity is a no-op. Malformed events are rejected without
// touching the journal.
func (j *Journal) Ingest(event Event) error {
	if err := event.Validate(); err != nil {
		j.reject()
		return err
	}
	key, hash, err := identity(event)
	if err != nil {
		j.reject()
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.containsLocked(key, hash) {
		j.stats.Duplicates++
		j.recordDropLocked(metricJournalDuplicate)
		return nil
	}
	j.mergeLocked([]entry{{event: cloneEvent(event), key: key, hash: hash}})
	return nil
}

// IngestBatch applies the Ingest rules per element, then places the accepted
// events ahead of existing entries in batch order. It returns the number of
// events accepted.
func (j *Journal) IngestBatch(events []Event) int {
	if len(events) == 0 {
		return 0
	}
	type candidate struct {
		entry
		err error
	}
	candidates := make([]candidate, len(events))
	for i, event := range events {
		if err := event.Validate(); err != nil {
			candidates[i].err = err
			continue
		}
		key, hash, err := identity(event)
		candidates[i] = candidate{entry: entry{event: event, key: key, hash: hash}, err: err}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	accepted := make([]entry, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, c := range candidates {
		if c.err != nil {
			j.stats.Rejected++
			j.recordDropLocked(metricJournalMalformed)
			continue
		}
		if _, dup := seen[string(c.key)]; dup || j.containsLocked(c.key, c.hash) {
			j.stats.Duplicates++
			j.recordDropLocked(metricJournalDuplicate)
			continue
		}
		seen[string(c.key)] = struct{}{}
		c.event = cloneEvent(c.event)
		accepted = append(accepted, c.entry)
	}
	j.mergeLocked(accepted)
	return len(accepted)
}

func (j *Journal) mergeLocked(head []entry) {
	if len(head) == 0 {
		return
	}
	merged := make([]entry, 0, len(head)+len(j.entries))
	merged = append(merged, head...)
	merged = append(merged, j.entries...)
	if overflow := len(merged) - j.capacity; overflow > 0 {
		merged = merged[:j.capacity]
		j.stats.Evicted += uint64(overflow)
		for i := 0; i < overflow; i++ {
			j.recordDropLocked(metricJournalEvicted)
		}
	}
	j.entries = merged
	j.stats.Ingested += uint64(len(head))
	j.reindexLocked()
}

func (j *Journal) reindexLocked() {
	clear(j.index)
	for i, e := range j.entries {
		j.index[e.hash] = append(j.index[e.hash], i)
	}
}

func (j *Journal) containsLocked(key []byte, hash uint64) bool {
	for _, idx := range j.index[hash] {
		if string(j.entries[idx].key) == string(key) {
			return true
		}
	}
	return false
}

func (j *Journal) reject() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats.Rejected++
	j.recordDropLocked(metricJournalMalformed)
}

func (j *Journal) recordDropLocked(metric string) {
	if j.telemetry != nil {
		j.telemetry.RecordJournalDrop(metric)
	}
}

// Query returns the events matching filter, newest first.
func (j *Journal) Query(filter Filter) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	compiled := filter.compile()
	out := make([]Event, 0, len(j.entries))
	for _, e := range j.entries {
		if compiled.match(e.event) {
			out = append(out, cloneEvent(e.event))
		}
	}
	return out
}

// Len reports the number of retained events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *Journal) Capacity() int {
	return j.capacity
}

func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = j.entries[:0]
	clear(j.index)
}

func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	stats := j.stats
	stats.Len = len(j.entries)
	stats.Capacity = j.capacity
	return stats
}

func cloneEvent(e Event) Event {
	cloned := e
	if e.Turn != nil {
		turn := *e.Turn
		cloned.Turn = &turn
	}
	if e.Faction != nil {
		faction := *e.Faction
		cloned.Faction = &faction
	}
	if e.Data != nil {
		cloned.Data = cloneMap(e.Data)
	}
	return cloned
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
