// Package status keeps the dashboard status fields: backend status, the
// latest live metrics and run metadata.
package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/internal/net/proto"
)

// MetricsUpdate is a decoded metrics_update or snapshot payload together with
// the raw body for consumers that need the uninterpreted fields.
type MetricsUpdate struct {
	Metrics  proto.Metrics
	Raw      json.RawMessage
	Snapshot bool
}

type Snapshot struct {
	Status          proto.Status    `json:"status"`
	StatusUpdatedAt time.Time       `json:"status_updated_at"`
	Turn            *int            `json:"turn,omitempty"`
	MaxTurn         int             `json:"max_turn"`
	MaxTurnWarning  string          `json:"max_turn_warning,omitempty"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
	MetricsAt       time.Time       `json:"metrics_at"`
	MetricsUpdates  uint64          `json:"metrics_updates"`
}

type Board struct {
	mu    sync.RWMutex
	now   func() time.Time
	state Snapshot
}

func NewBoard(now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	return &Board{now: now}
}

func (b *Board) SetStatus(s proto.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Status = s
	b.state.StatusUpdatedAt = b.now()
}

func (b *Board) SetMetrics(update MetricsUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if update.Metrics.Turn != nil {
		turn := *update.Metrics.Turn
		b.state.Turn = &turn
	}
	b.state.Metrics = append(json.RawMessage(nil), update.Raw...)
	b.state.MetricsAt = b.now()
	b.state.MetricsUpdates++
}

func (b *Board) SetMaxTurn(m proto.MaxTurn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.MaxTurn = m.MaxTurn
	b.state.MaxTurnWarning = m.Warning
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := b.state
	snap.Metrics = append(json.RawMessage(nil), b.state.Metrics...)
	if b.state.Turn != nil {
		turn := *b.state.Turn
		snap.Turn = &turn
	}
	return snap
}

// Attach subscribes the board to status and metrics topics.
func (b *Board) Attach(events *bus.Bus) func() {
	cancelStatus := bus.Subscribe(events, bus.TopicStatus, func(_ context.Context, s proto.Status) {
		b.SetStatus(s)
	})
	cancelMetrics := bus.Subscribe(events, bus.TopicMetrics, func(_ context.Context, m MetricsUpdate) {
		b.SetMetrics(m)
	})
	return func() {
		cancelStatus()
		cancelMetrics()
	}
}
