package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBusWithClient(client)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()

	received := make(chan Event, 1)
	bus.Subscribe(ctx, func(event Event) {
		received <- event
	})
	// the pub/sub registration races the publish without a settle delay
	time.Sleep(50 * time.Millisecond)

	sent := Event{
		Type:     TypeExport,
		DomainID: "system",
		DocID:    "doc-1",
		Branch:   "main",
		Payload:  map[string]any{"commit": "abc1234"},
	}
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.Type != TypeExport || got.DocID != "doc-1" || got.Branch != "main" {
			t.Fatalf("received = %+v", got)
		}
		if got.At.IsZero() {
			t.Fatal("publish should stamp the event time")
		}
		if got.Payload["commit"] != "abc1234" {
			t.Fatalf("payload = %+v", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscriberDropsMalformedPayloads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBusWithClient(client)
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	received := make(chan Event, 2)
	bus.Subscribe(ctx, func(event Event) {
		received <- event
	})
	time.Sleep(50 * time.Millisecond)

	if err := client.Publish(ctx, "ejunz:base:events", "{not json").Err(); err != nil {
		t.Fatalf("raw publish error = %v", err)
	}
	if err := bus.Publish(ctx, Event{Type: TypeStatus, DomainID: "system", DocID: "doc-1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.Type != TypeStatus {
			t.Fatalf("expected the well-formed event, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed event not delivered")
	}
}
