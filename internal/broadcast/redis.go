package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"reading-request-bank/internal/models"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are dropped on the floor for it.
const subscriberBuffer = 64

// Redis implements Broadcaster over redis pub/sub. Events are JSON-encoded
// ChangeEvent messages on the logical channel name.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (b *Redis) Publish(ctx context.Context, channel string, ev models.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, channel string) (<-chan models.ChangeEvent, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	// Force the subscription to establish before returning, so callers do
	// not miss events published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan models.ChangeEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
				// Subscriber is behind; drop. The reconcile poll recovers.
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
