package alerts

import (
	"context"

	"void-reckoning/dashboard/logging"
)

const (
	EventAckFailed  logging.EventType = "alerts.ack_failed"
	EventAckRetried logging.EventType = "alerts.ack_retried"
)

type AckPayload struct {
	AlertID  string `json:"alertId"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AckFailed records a server-side acknowledgement that could not be
// delivered. The local acknowledged flag stays set.
func AckFailed(ctx context.Context, pub logging.Publisher, payload AckPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAckFailed,
		Actor:    logging.EntityRef{ID: payload.AlertID, Kind: logging.EntityKindAlert},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryAlerts,
		Payload:  payload,
		Extra:    extra,
	})
}

func AckRetried(ctx context.Context, pub logging.Publisher, payload AckPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAckRetried,
		Actor:    logging.EntityRef{ID: payload.AlertID, Kind: logging.EntityKindAlert},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryAlerts,
		Payload:  payload,
		Extra:    extra,
	})
}
