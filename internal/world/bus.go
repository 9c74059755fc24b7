package world

import (
	"context"

	"void-reckoning/dashboard/internal/bus"
)

// Changed is published on bus.TopicWorldChanged after a committed change.
type Changed struct {
	Revision uint64
}

// Attach folds entity update batches from the bus into the projector and
// announces committed changes.
func (p *Projector) Attach(b *bus.Bus) func() {
	return bus.Subscribe(b, bus.TopicEntityUpdates, func(ctx context.Context, updates []EntityUpdate) {
		if p.ApplyEntityUpdates(updates) {
			b.Publish(ctx, bus.TopicWorldChanged, Changed{Revision: p.Revision()})
		}
	})
}
