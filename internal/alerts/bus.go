package alerts

import (
	"context"

	"void-reckoning/dashboard/internal/bus"
)

// Attach subscribes the ledger to alerts published on the bus.
func (l *Ledger) Attach(b *bus.Bus) func() {
	return bus.Subscribe(b, bus.TopicAlert, func(_ context.Context, alert Alert) {
		l.Add(alert)
	})
}
