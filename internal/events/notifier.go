package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"streamloop/internal/models"
	"streamloop/internal/observability/logging"
)

// ListSource provides the listings a notification payload carries.
type ListSource interface {
	ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error)
	ListInactiveSessions(ctx context.Context) ([]models.InactiveSession, error)
	ListSchedules(ctx context.Context) ([]models.ScheduleRecord, error)
}

// VideoLister enumerates the library for video change notifications.
type VideoLister interface {
	List() ([]string, error)
}

// NotifierConfig wires the notifier.
type NotifierConfig struct {
	Queue  Queue
	Store  ListSource
	Videos VideoLister
	Logger *slog.Logger
	Now    func() time.Time

	// PublishTimeout bounds how long one notification may retry before it
	// is dropped with a log entry.
	PublishTimeout time.Duration
}

// Notifier snapshots the current listings after a mutation and publishes them
// to the queue. Publishes retry with exponential backoff; a notification that
// still fails is dropped, since clients can always refetch via the API.
type Notifier struct {
	queue          Queue
	store          ListSource
	videos         VideoLister
	logger         *slog.Logger
	now            func() time.Time
	publishTimeout time.Duration
}

func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("notifier requires a queue")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("notifier requires a store")
	}
	if cfg.Videos == nil {
		return nil, fmt.Errorf("notifier requires a video library")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 3 * time.Second
	}
	return &Notifier{
		queue:          cfg.Queue,
		store:          cfg.Store,
		videos:         cfg.Videos,
		logger:         logging.WithComponent(logger, "events"),
		now:            now,
		publishTimeout: publishTimeout,
	}, nil
}

type sessionsPayload struct {
	Active   []models.ActiveSession   `json:"active"`
	Inactive []models.InactiveSession `json:"inactive"`
}

// SessionsUpdated broadcasts the current active and inactive session lists.
func (n *Notifier) SessionsUpdated(ctx context.Context) {
	active, err := n.store.ListActiveSessions(ctx)
	if err != nil {
		n.logger.Error("failed to snapshot active sessions for notification", "error", err)
		return
	}
	inactive, err := n.store.ListInactiveSessions(ctx)
	if err != nil {
		n.logger.Error("failed to snapshot inactive sessions for notification", "error", err)
		return
	}
	n.publish(ctx, EventTypeSessions, sessionsPayload{Active: active, Inactive: inactive})
}

// SchedulesUpdated broadcasts the current schedule list.
func (n *Notifier) SchedulesUpdated(ctx context.Context) {
	records, err := n.store.ListSchedules(ctx)
	if err != nil {
		n.logger.Error("failed to snapshot schedules for notification", "error", err)
		return
	}
	n.publish(ctx, EventTypeSchedules, records)
}

// VideosUpdated broadcasts the current video library contents.
func (n *Notifier) VideosUpdated(ctx context.Context) {
	names, err := n.videos.List()
	if err != nil {
		n.logger.Error("failed to list videos for notification", "error", err)
		return
	}
	n.publish(ctx, EventTypeVideos, names)
}

// RecoveryCompleted broadcasts a reconciliation sweep result.
func (n *Notifier) RecoveryCompleted(ctx context.Context, result any) {
	n.publish(ctx, EventTypeRecovery, result)
}

func (n *Notifier) publish(ctx context.Context, eventType EventType, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to encode notification payload", "type", string(eventType), "error", err)
		return
	}
	event := Event{
		Type:       eventType,
		Payload:    encoded,
		OccurredAt: n.now().UTC(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = n.publishTimeout
	err = backoff.Retry(func() error {
		return n.queue.Publish(ctx, event)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		n.logger.Error("dropped update notification", "type", string(eventType), "error", err)
	}
}
