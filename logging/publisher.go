package logging

import (
	"context"
	"maps"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

type EntityKind string

const (
	EntityKindConnection EntityKind = "connection"
	EntityKindSession    EntityKind = "session"
	EntityKindFrame      EntityKind = "frame"
	EntityKindAlert      EntityKind = "alert"
)

type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	Actor     EntityRef      `json:"actor"`
	Severity  Severity       `json:"severity"`
	Category  string         `json:"category,omitempty"`
	Payload   any            `json:"payload,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

const (
	CategoryNetwork   = "network"
	CategoryLifecycle = "lifecycle"
	CategoryIngest    = "ingest"
	CategoryAlerts    = "alerts"
)

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

// mergeFields attaches static fields without overriding keys the event
// already carries.
func mergeFields(event Event, fields map[string]any) Event {
	if len(fields) == 0 {
		return event
	}
	event = cloneForFields(event)
	if event.Extra == nil {
		event.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, exists := event.Extra[k]; !exists {
			event.Extra[k] = v
		}
	}
	return event
}

func cloneForFields(event Event) Event {
	if event.Extra != nil {
		event.Extra = maps.Clone(event.Extra)
	}
	return event
}

// WithSession stamps every event with the given session id unless the event
// already carries one.
func WithSession(p Publisher, sessionID string) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if sessionID == "" {
		return p
	}
	return PublisherFunc(func(ctx context.Context, event Event) {
		if event.SessionID == "" {
			event.SessionID = sessionID
		}
		p.Publish(ctx, event)
	})
}
