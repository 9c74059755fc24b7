// Package intake turns raw feed frames into typed bus messages.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"void-reckoning/dashboard/internal/alerts"
	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/internal/journal"
	"void-reckoning/dashboard/internal/net/proto"
	"void-reckoning/dashboard/internal/status"
	"void-reckoning/dashboard/internal/world"
	"void-reckoning/dashboard/logging"
	"void-reckoning/dashboard/logging/ingest"
)

// Route names the destination a frame was handed to.
type Route string

const (
	RouteHeartbeat Route = "heartbeat"
	RouteStatus    Route = "status"
	RouteMetrics   Route = "metrics"
	RouteEvent     Route = "event"
	RouteAlert     Route = "alert"
	RouteIgnored   Route = "ignored"
	RouteMalformed Route = "malformed"
)

// ErrorNotificationRule is the rule name of alerts synthesized from
// error_notification frames.
const ErrorNotificationRule = "error_notification"

// Recorder counts frames that never reach a store.
type Recorder interface {
	RecordMalformed()
	RecordIgnored()
}

type nopRecorder struct{}

func (nopRecorder) RecordMalformed() {}
func (nopRecorder) RecordIgnored()   {}

type Option func(*Dispatcher)

func WithPublisher(pub logging.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = pub }
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator overrides the id source for synthesized alerts.
func WithIDGenerator(next func() string) Option {
	return func(d *Dispatcher) { d.newID = next }
}

// Dispatcher validates each frame's discriminant and publishes the decoded
// payload on exactly one bus topic. It holds no reference to the stores.
type Dispatcher struct {
	bus       *bus.Bus
	publisher logging.Publisher
	recorder  Recorder
	now       func() time.Time
	newID     func() string
	actor     logging.EntityRef
}

func NewDispatcher(b *bus.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:       b,
		publisher: logging.NopPublisher(),
		recorder:  nopRecorder{},
		now:       time.Now,
		newID:     uuid.NewString,
		actor:     logging.EntityRef{ID: "dispatcher", Kind: logging.EntityKindFrame},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle adapts Dispatch to the connection manager's frame handler.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) {
	d.Dispatch(ctx, raw)
}

// Dispatch routes one frame. It never panics; a panic raised while routing is
// recovered, logged and reported as RouteMalformed.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (route Route) {
	var typ string
	defer func() {
		if r := recover(); r != nil {
			d.recorder.RecordMalformed()
			ingest.RoutePanicked(ctx, d.publisher, d.actor, ingest.FramePayload{Type: typ, Size: len(raw), Error: fmt.Sprint(r)})
			route = RouteMalformed
		}
	}()

	msg, err := proto.Decode(raw)
	if err != nil {
		d.recorder.RecordMalformed()
		ingest.FrameMalformed(ctx, d.publisher, d.actor, ingest.FramePayload{Size: len(raw), Error: err.Error()})
		return RouteMalformed
	}
	typ = msg.Type

	switch {
	case msg.Type == proto.TypePing:
		d.bus.Publish(ctx, bus.TopicPing, msg)
		return RouteHeartbeat
	case msg.Type == proto.TypeStatusUpdate:
		return d.routeStatus(ctx, msg, len(raw))
	case msg.Type == proto.TypeMetricsUpdate || msg.Type == proto.TypeSnapshot:
		return d.routeMetrics(ctx, msg, len(raw))
	case proto.IsEventType(msg.Type):
		return d.routeEvent(ctx, msg, len(raw))
	case msg.Type == proto.TypeAlertTriggered:
		return d.routeAlert(ctx, msg, len(raw))
	case msg.Type == proto.TypeErrorNotification:
		return d.routeErrorNotification(ctx, msg, len(raw))
	default:
		d.recorder.RecordIgnored()
		return RouteIgnored
	}
}

func (d *Dispatcher) reject(ctx context.Context, msg proto.InboundMessage, size int, err error) Route {
	d.recorder.RecordMalformed()
	ingest.Rejected(ctx, d.publisher, d.actor, ingest.FramePayload{Type: msg.Type, Size: size, Error: err.Error()})
	return RouteMalformed
}

func (d *Dispatcher) routeStatus(ctx context.Context, msg proto.InboundMessage, size int) Route {
	var s proto.Status
	if err := msg.DecodeData(&s); err != nil {
		return d.reject(ctx, msg, size, err)
	}
	d.bus.Publish(ctx, bus.TopicStatus, s)
	return RouteStatus
}

func (d *Dispatcher) routeMetrics(ctx context.Context, msg proto.InboundMessage, size int) Route {
	var m proto.Metrics
	if err := msg.DecodeData(&m); err != nil {
		return d.reject(ctx, msg, size, err)
	}
	d.bus.Publish(ctx, bus.TopicMetrics, status.MetricsUpdate{
		Metrics:  m,
		Raw:      msg.Data,
		Snapshot: msg.Type == proto.TypeSnapshot,
	})

	if !m.HasPlanetStatus() {
		return RouteMetrics
	}
	planets, err := m.Planets()
	if err != nil {
		ingest.Rejected(ctx, d.publisher, d.actor, ingest.FramePayload{Type: msg.Type, Size: size, Error: err.Error()})
		return RouteMetrics
	}
	if updates := EntityUpdates(planets); len(updates) > 0 {
		d.bus.Publish(ctx, bus.TopicEntityUpdates, updates)
	}
	return RouteMetrics
}

// EntityUpdates converts planet_status entries into projector input. Entries
// without a name or a system are skipped; a missing owner is Neutral.
func EntityUpdates(planets []proto.PlanetStatus) []world.EntityUpdate {
	updates := make([]world.EntityUpdate, 0, len(planets))
	for _, p := range planets {
		if p.Name == "" || p.System == "" {
			continue
		}
		owner := p.Owner
		if owner == "" {
			owner = world.Neutral
		}
		updates = append(updates, world.EntityUpdate{EntityID: p.Name, RegionName: p.System, Owner: owner})
	}
	return updates
}

func (d *Dispatcher) routeEvent(ctx context.Context, msg proto.InboundMessage, size int) Route {
	var de proto.DomainEvent
	if err := msg.DecodeData(&de); err != nil {
		return d.reject(ctx, msg, size, err)
	}
	event := journal.Event{
		Timestamp: de.Timestamp.Time,
		Universe:  de.Universe,
		Category:  de.Category,
		EventType: de.EventType,
		Turn:      de.Turn,
		Faction:   de.Faction,
		Data:      de.Data,
	}
	if event.Category == "" {
		event.Category = proto.CategoryFor(msg.Type)
	}
	if err := event.Validate(); err != nil {
		return d.reject(ctx, msg, size, err)
	}
	d.bus.Publish(ctx, bus.TopicDomainEvent, event)
	return RouteEvent
}

func (d *Dispatcher) routeAlert(ctx context.Context, msg proto.InboundMessage, size int) Route {
	var wire proto.Alert
	if err := msg.DecodeData(&wire); err != nil {
		return d.reject(ctx, msg, size, err)
	}
	if wire.ID == "" {
		return d.reject(ctx, msg, size, fmt.Errorf("%s: alert id missing", msg.Type))
	}
	alert := alerts.FromWire(wire)
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.frameTime(msg)
	}
	d.bus.Publish(ctx, bus.TopicAlert, alert)
	return RouteAlert
}

func (d *Dispatcher) routeErrorNotification(ctx context.Context, msg proto.InboundMessage, size int) Route {
	var n proto.ErrorNotification
	if err := msg.DecodeData(&n); err != nil {
		return d.reject(ctx, msg, size, err)
	}
	alertContext := map[string]any{}
	if n.Details != "" {
		alertContext["details"] = n.Details
	}
	if n.Type != "" {
		alertContext["type"] = n.Type
	}
	d.bus.Publish(ctx, bus.TopicAlert, alerts.Alert{
		ID:        d.newID(),
		Timestamp: d.frameTime(msg),
		Severity:  alerts.SeverityCritical,
		RuleName:  ErrorNotificationRule,
		Message:   n.Error,
		Context:   alertContext,
	})
	return RouteAlert
}

func (d *Dispatcher) frameTime(msg proto.InboundMessage) time.Time {
	if msg.Timestamp > 0 {
		return proto.FromEpochSeconds(msg.Timestamp)
	}
	return d.now().UTC()
}
