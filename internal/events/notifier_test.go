package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamloop/internal/models"
)

type fakeListSource struct {
	active   []models.ActiveSession
	inactive []models.InactiveSession
	records  []models.ScheduleRecord
}

func (f *fakeListSource) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	return f.active, nil
}

func (f *fakeListSource) ListInactiveSessions(ctx context.Context) ([]models.InactiveSession, error) {
	return f.inactive, nil
}

func (f *fakeListSource) ListSchedules(ctx context.Context) ([]models.ScheduleRecord, error) {
	return f.records, nil
}

type fakeVideoLister struct {
	names []string
}

func (f *fakeVideoLister) List() ([]string, error) { return f.names, nil }

// flakyQueue fails the first publishes, then succeeds.
type flakyQueue struct {
	mu        sync.Mutex
	failures  int
	published []Event
}

func (q *flakyQueue) Publish(ctx context.Context, event Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("transient publish failure")
	}
	q.published = append(q.published, event)
	return nil
}

func (q *flakyQueue) Subscribe() Subscription { return nil }

func newTestNotifier(t *testing.T, queue Queue, source *fakeListSource, videos *fakeVideoLister) *Notifier {
	t.Helper()
	notifier, err := NewNotifier(NotifierConfig{
		Queue:          queue,
		Store:          source,
		Videos:         videos,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            func() time.Time { return time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC) },
		PublishTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewNotifier returned error: %v", err)
	}
	return notifier
}

func TestSessionsUpdatedCarriesBothBuckets(t *testing.T) {
	source := &fakeListSource{
		active:   []models.ActiveSession{{SessionCore: models.SessionCore{ID: "live"}}},
		inactive: []models.InactiveSession{{SessionCore: models.SessionCore{ID: "done"}}},
	}
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	defer sub.Close()

	notifier := newTestNotifier(t, queue, source, &fakeVideoLister{})
	notifier.SessionsUpdated(context.Background())

	select {
	case event := <-sub.Events():
		if event.Type != EventTypeSessions {
			t.Fatalf("unexpected event type %q", event.Type)
		}
		var payload sessionsPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if len(payload.Active) != 1 || payload.Active[0].ID != "live" {
			t.Fatalf("unexpected active list: %+v", payload.Active)
		}
		if len(payload.Inactive) != 1 || payload.Inactive[0].ID != "done" {
			t.Fatalf("unexpected inactive list: %+v", payload.Inactive)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestVideosUpdatedCarriesLibraryNames(t *testing.T) {
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	defer sub.Close()

	notifier := newTestNotifier(t, queue, &fakeListSource{}, &fakeVideoLister{names: []string{"a.mp4", "b.mp4"}})
	notifier.VideosUpdated(context.Background())

	select {
	case event := <-sub.Events():
		var names []string
		if err := json.Unmarshal(event.Payload, &names); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if len(names) != 2 || names[0] != "a.mp4" {
			t.Fatalf("unexpected names: %v", names)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	queue := &flakyQueue{failures: 2}
	notifier := newTestNotifier(t, queue, &fakeListSource{}, &fakeVideoLister{})

	notifier.SchedulesUpdated(context.Background())

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.published) != 1 {
		t.Fatalf("expected publish to succeed after retries, got %d events", len(queue.published))
	}
	if queue.published[0].Type != EventTypeSchedules {
		t.Fatalf("unexpected event type %q", queue.published[0].Type)
	}
}
