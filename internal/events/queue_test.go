package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	subA := queue.Subscribe()
	defer subA.Close()
	subB := queue.Subscribe()
	defer subB.Close()

	event := Event{Type: EventTypeSessions, OccurredAt: time.Now()}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	for _, sub := range []Subscription{subA, subB} {
		select {
		case got := <-sub.Events():
			if got.Type != EventTypeSessions {
				t.Fatalf("unexpected event type %q", got.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMemoryQueueRejectsUntyped(t *testing.T) {
	queue := NewMemoryQueue(4)
	if err := queue.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := queue.Publish(ctx, Event{Type: EventTypeVideos}); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}

	// One buffered event survives; the rest were dropped, not blocked on.
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected at least one buffered event")
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected overflow events to be dropped")
		}
	default:
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if err := queue.Publish(context.Background(), Event{Type: EventTypeSessions}); err != nil {
		t.Fatalf("Publish after close returned error: %v", err)
	}
}
