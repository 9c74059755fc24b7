package network

import (
	"context"
	"time"

	"void-reckoning/dashboard/logging"
)

const (
	// EventStateChanged is emitted for every connection state transition.
	EventStateChanged logging.EventType = "network.state_changed"
	// EventTransitionRejected is emitted when an illegal transition is attempted.
	EventTransitionRejected logging.EventType = "network.transition_rejected"
	// EventReconnectScheduled is emitted when a reconnect timer is armed.
	EventReconnectScheduled logging.EventType = "network.reconnect_scheduled"
	// EventOffline is emitted once the reconnect budget is exhausted.
	EventOffline logging.EventType = "network.offline"
	// EventHeartbeatStale is emitted when no frame arrived within the health interval.
	EventHeartbeatStale logging.EventType = "network.heartbeat_stale"
)

type StatePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type ReconnectPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

type OfflinePayload struct {
	Attempts int `json:"attempts"`
}

type HeartbeatPayload struct {
	LastSeen time.Time     `json:"lastSeen"`
	Interval time.Duration `json:"interval"`
}

func StateChanged(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload StatePayload, extra map[string]any) {
	publish(ctx, pub, EventStateChanged, logging.SeverityInfo, actor, payload, extra)
}

func TransitionRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload StatePayload, extra map[string]any) {
	publish(ctx, pub, EventTransitionRejected, logging.SeverityWarn, actor, payload, extra)
}

func ReconnectScheduled(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ReconnectPayload, extra map[string]any) {
	publish(ctx, pub, EventReconnectScheduled, logging.SeverityInfo, actor, payload, extra)
}

// Offline marks the terminal disconnect. Callers surface it to the user.
func Offline(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload OfflinePayload, extra map[string]any) {
	publish(ctx, pub, EventOffline, logging.SeverityError, actor, payload, extra)
}

func HeartbeatStale(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload HeartbeatPayload, extra map[string]any) {
	publish(ctx, pub, EventHeartbeatStale, logging.SeverityWarn, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, severity logging.Severity, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
