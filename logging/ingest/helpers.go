package ingest

import (
	"context"

	"void-reckoning/dashboard/logging"
)

const (
	// EventFrameMalformed is emitted when a frame cannot be decoded.
	EventFrameMalformed logging.EventType = "ingest.frame_malformed"
	// EventRejected is emitted when a decoded payload fails validation.
	EventRejected logging.EventType = "ingest.event_rejected"
	// EventRoutePanicked is emitted when routing a frame panicked and was recovered.
	EventRoutePanicked logging.EventType = "ingest.route_panicked"
)

type FramePayload struct {
	Type  string `json:"type,omitempty"`
	Size  int    `json:"size"`
	Error string `json:"error"`
}

func FrameMalformed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FramePayload) {
	emit(ctx, pub, EventFrameMalformed, logging.SeverityWarn, actor, payload)
}

func Rejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FramePayload) {
	emit(ctx, pub, EventRejected, logging.SeverityWarn, actor, payload)
}

func RoutePanicked(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FramePayload) {
	emit(ctx, pub, EventRoutePanicked, logging.SeverityError, actor, payload)
}

func emit(ctx context.Context, pub logging.Publisher, typ logging.EventType, severity logging.Severity, actor logging.EntityRef, payload FramePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryIngest,
		Payload:  payload,
	})
}
