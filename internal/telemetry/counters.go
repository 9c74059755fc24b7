package telemetry

import (
	"sync"
	"sync/atomic"
)

// Counters tracks feed health. Every record call is also mirrored into the
// attached Metrics, when one is set.
type Counters struct {
	frames           atomic.Uint64
	malformed        atomic.Uint64
	ignored          atomic.Uint64
	reconnects       atomic.Uint64
	snapshotRequests atomic.Uint64
	staleHeartbeats  atomic.Uint64
	ackFailures      atomic.Uint64

	dropsMu sync.Mutex
	drops   map[string]uint64

	metrics Metrics
}

type Snapshot struct {
	Frames           uint64            `json:"frames"`
	Malformed        uint64            `json:"malformed"`
	Ignored          uint64            `json:"ignored"`
	Reconnects       uint64            `json:"reconnects"`
	SnapshotRequests uint64            `json:"snapshotRequests"`
	StaleHeartbeats  uint64            `json:"staleHeartbeats"`
	AckFailures      uint64            `json:"ackFailures"`
	JournalDrops     map[string]uint64 `json:"journalDrops,omitempty"`
}

func NewCounters(metrics Metrics) *Counters {
	return &Counters{drops: make(map[string]uint64), metrics: metrics}
}

func (c *Counters) mirror(key string) {
	if c.metrics != nil {
		c.metrics.Add(key, 1)
	}
}

func (c *Counters) RecordFrame() {
	c.frames.Add(1)
	c.mirror("feed.frames")
}

func (c *Counters) RecordMalformed() {
	c.malformed.Add(1)
	c.mirror("feed.malformed")
}

func (c *Counters) RecordIgnored() {
	c.ignored.Add(1)
	c.mirror("feed.ignored")
}

func (c *Counters) RecordReconnect() {
	c.reconnects.Add(1)
	c.mirror("feed.reconnects")
}

func (c *Counters) RecordSnapshotRequest() {
	c.snapshotRequests.Add(1)
	c.mirror("feed.snapshot_requests")
}

func (c *Counters) RecordStaleHeartbeat() {
	c.staleHeartbeats.Add(1)
	c.mirror("feed.stale_heartbeats")
}

func (c *Counters) RecordAckFailure() {
	c.ackFailures.Add(1)
	c.mirror("alerts.ack_failures")
}

// RecordJournalDrop satisfies journal.Telemetry.
func (c *Counters) RecordJournalDrop(metric string) {
	c.dropsMu.Lock()
	c.drops[metric]++
	c.dropsMu.Unlock()
	c.mirror("journal." + metric)
}

func (c *Counters) Snapshot() Snapshot {
	c.dropsMu.Lock()
	drops := make(map[string]uint64, len(c.drops))
	for k, v := range c.drops {
		drops[k] = v
	}
	c.dropsMu.Unlock()
	return Snapshot{
		Frames:           c.frames.Load(),
		Malformed:        c.malformed.Load(),
		Ignored:          c.ignored.Load(),
		Reconnects:       c.reconnects.Load(),
		SnapshotRequests: c.snapshotRequests.Load(),
		StaleHeartbeats:  c.staleHeartbeats.Load(),
		AckFailures:      c.ackFailures.Load(),
		JournalDrops:     drops,
	}
}
