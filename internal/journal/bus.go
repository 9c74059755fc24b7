package journal

import (
	"context"

	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/logging"
	"void-reckoning/dashboard/logging/ingest"
)

var busActor = logging.EntityRef{ID: "journal", Kind: logging.EntityKindFrame}

// Attach ingests domain events published on the bus. Duplicates are absorbed
// by Ingest; rejected events go to the attached publisher.
func (j *Journal) Attach(b *bus.Bus) func() {
	return bus.Subscribe(b, bus.TopicDomainEvent, func(ctx context.Context, event Event) {
		if err := j.Ingest(event); err != nil {
			j.mu.RLock()
			pub := j.publisher
			j.mu.RUnlock()
			ingest.Rejected(ctx, pub, busActor, ingest.FramePayload{Type: event.EventType, Error: err.Error()})
		}
	})
}
