package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Inbound message type identifiers.
const (
	TypePing              = "ping"
	TypeStatusUpdate      = "status_update"
	TypeMetricsUpdate     = "metrics_update"
	TypeSnapshot          = "snapshot"
	TypeBattleEvent       = "battle_event"
	TypeResourceEvent     = "resource_event"
	TypeTechEvent         = "tech_event"
	TypeConstructionEvent = "construction_event"
	TypeSystemEvent       = "system_event"
	TypeMovementEvent     = "movement_event"
	TypeCampaignEvent     = "campaign_event"
	TypeStrategyEvent     = "strategy_event"
	TypeDoctrineEvent     = "doctrine_event"
	TypeAlertTriggered    = "alert_triggered"
	TypeErrorNotification = "error_notification"
)

// Outbound message type identifiers.
const (
	TypePong            = "pong"
	TypeRequestSnapshot = "request_snapshot"
)

var ErrMissingType = errors.New("message type missing")

// InboundMessage is the envelope every server frame arrives in.
type InboundMessage struct {
	Type      string          `json:"type" jsonschema:"required"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw websocket frame into its envelope. The payload is left
// undecoded for the route that owns it.
func Decode(raw []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode envelope: %w", err)
	}
	if msg.Type == "" {
		return msg, ErrMissingType
	}
	return msg, nil
}

// HasData reports whether the envelope carried a non-null payload.
func (m InboundMessage) HasData() bool {
	trimmed := strings.TrimSpace(string(m.Data))
	return trimmed != "" && trimmed != "null"
}

// DecodeData unmarshals the payload into dst.
func (m InboundMessage) DecodeData(dst any) error {
	if !m.HasData() {
		return fmt.Errorf("%s: payload missing", m.Type)
	}
	if err := json.Unmarshal(m.Data, dst); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

type OutboundMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// EncodePong renders the heartbeat reply carrying the client clock in epoch
// seconds.
func EncodePong(now time.Time) ([]byte, error) {
	return json.Marshal(OutboundMessage{Type: TypePong, Timestamp: EpochSeconds(now)})
}

func EncodeSnapshotRequest(now time.Time) ([]byte, error) {
	return json.Marshal(OutboundMessage{Type: TypeRequestSnapshot, Timestamp: EpochSeconds(now)})
}

func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds converts fractional epoch seconds, rounded to the
// microsecond.
func FromEpochSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	micros := math.Round(frac * 1e6)
	return time.Unix(int64(whole), int64(micros)*int64(time.Microsecond)).UTC()
}

// Timestamp accepts either epoch seconds or an ISO 8601 string.
type Timestamp struct {
	time.Time
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(raw []byte) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		t.Time = time.Time{}
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		if text == "" {
			t.Time = time.Time{}
			return nil
		}
		for _, layout := range isoLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		return fmt.Errorf("timestamp %q: unsupported format", text)
	}
	var sec float64
	if err := json.Unmarshal(raw, &sec); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = FromEpochSeconds(sec)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
