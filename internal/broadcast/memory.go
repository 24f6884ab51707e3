package broadcast

import (
	"context"
	"sync"

	"reading-request-bank/internal/models"
)

// Memory is a process-local Broadcaster for tests and single-process runs.
// Semantics match Redis: fire-and-forget, drop when a subscriber lags.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[int]chan models.ChangeEvent
	next int
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan models.ChangeEvent)}
}

func (b *Memory) Publish(ctx context.Context, channel string, ev models.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, channel string) (<-chan models.ChangeEvent, func(), error) {
	ch := make(chan models.ChangeEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan models.ChangeEvent)
	}
	id := b.next
	b.next++
	b.subs[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
