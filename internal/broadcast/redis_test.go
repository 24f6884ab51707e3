package broadcast

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reading-request-bank/internal/models"
)

func TestRedisPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	events, cancel, err := b.Subscribe(ctx, "reading-request-bank")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	want := models.ChangeEvent{
		RequestID:  "req-1",
		NewStatus:  models.StatusClaimed,
		OccurredAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := b.Publish(ctx, "reading-request-bank", want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.RequestID != want.RequestID || got.NewStatus != want.NewStatus {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisSubscriberIsolation(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	other, cancelOther, err := b.Subscribe(ctx, "other-channel")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	defer cancelOther()

	if err := b.Publish(ctx, "reading-request-bank", models.ChangeEvent{RequestID: "req-1", NewStatus: models.StatusAvailable}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-other:
		t.Fatalf("event leaked across channels: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
