package lifecycle

import (
	"context"
	"time"

	"void-reckoning/dashboard/logging"
)

const (
	EventSessionStarted    logging.EventType = "lifecycle.session_started"
	EventSessionStopped    logging.EventType = "lifecycle.session_stopped"
	EventSnapshotRequested logging.EventType = "lifecycle.snapshot_requested"
	EventSnapshotApplied   logging.EventType = "lifecycle.snapshot_applied"
)

type SessionPayload struct {
	URL string `json:"url"`
}

type SnapshotPayload struct {
	Gap time.Duration `json:"gap"`
}

type SnapshotAppliedPayload struct {
	Alerts  int    `json:"alerts"`
	Regions int    `json:"regions"`
	Error   string `json:"error,omitempty"`
}

func SessionStarted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionStarted,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

func SessionStopped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionStopped,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// SnapshotRequested records that an outage was long enough to distrust
// incremental deltas.
func SnapshotRequested(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SnapshotPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSnapshotRequested,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

func SnapshotApplied(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SnapshotAppliedPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if payload.Error != "" {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSnapshotApplied,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
