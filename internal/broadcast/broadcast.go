// Package broadcast fans availability change events out to subscribers.
//
// Delivery is best effort: publishing never blocks on a slow subscriber and
// a dropped connection loses events. Correctness always comes from the poll
// path; the push channel only buys latency.
package broadcast

import (
	"context"

	"reading-request-bank/internal/models"
)

// Broadcaster publishes change events to a logical channel and hands out
// subscription streams for it.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, ev models.ChangeEvent) error
	// Subscribe returns a stream of events and a cancel function that closes
	// it. The stream is dropped-not-blocked when the consumer falls behind.
	Subscribe(ctx context.Context, channel string) (<-chan models.ChangeEvent, func(), error)
}
