package broadcast

import (
	"context"
	"log"
	"time"

	"reading-request-bank/internal/store"
	"reading-request-bank/internal/telemetry"
)

// Outbox is the store-side feed of staged change events.
type Outbox interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id int64) error
}

// Relay drains the transactional outbox into the broadcast channel. An event
// is marked published only after the publish succeeds, so a crash in between
// re-sends it; subscribers tolerate duplicates because events are
// last-write-wins per request.
type Relay struct {
	outbox      Outbox
	broadcaster Broadcaster
	channel     string
	interval    time.Duration
	batchSize   int
}

// NewRelay builds a relay draining outbox into channel every interval.
func NewRelay(outbox Outbox, b Broadcaster, channel string, interval time.Duration) *Relay {
	return &Relay{
		outbox:      outbox,
		broadcaster: b,
		channel:     channel,
		interval:    interval,
		batchSize:   256,
	}
}

// Run drains until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("outbox relay: %v", err)
		}
	}
}

// DrainOnce publishes one batch of staged events in insertion order.
func (r *Relay) DrainOnce(ctx context.Context) error {
	events, err := r.outbox.UnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := r.broadcaster.Publish(ctx, r.channel, ev.Event); err != nil {
			// Leave the rest staged; next tick retries from here.
			return err
		}
		if err := r.outbox.MarkEventPublished(ctx, ev.ID); err != nil {
			return err
		}
		telemetry.EventsPublished.Inc()
	}
	return nil
}
