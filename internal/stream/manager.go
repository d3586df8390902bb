package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamloop/internal/models"
	"streamloop/internal/observability/logging"
	"streamloop/internal/observability/metrics"
	"streamloop/internal/storage"
	"streamloop/internal/supervisor"
)

// ValidationError reports a rejected request field. API handlers map it to a
// 400 response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

/// VideoLibrary is the slice of the video store the lifecycle engine needs:
// existence checks at create time and absolute paths for the supervised unit.
type VideoLibrary interface {
	Exists(name string) bool
	AbsolutePath(name string) string
}

// CreateParams carries an operator's request to start a looping stream.
type CreateParams struct {
	Name      string
	Owner     string
	VideoFile string
	Platform  models.Platform
	StreamKey string
}

// Config wires the lifecycle engine's collaborators.
type Config struct {
	Store      storage.Repository
	Supervisor supervisor.Supervisor
	Videos     VideoLibrary
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
	Now        func() time.Time
}

// Manager drives session lifecycle transitions: create starts the supervised
// unit before the session is recorded as active, stop tears the unit down and
// moves the record to history. The store's bucket membership stays the single
// source of truth for session status.
type Manager struct {
	store      storage.Repository
	supervisor supervisor.Supervisor
	videos     VideoLibrary
	logger     *slog.Logger
	recorder   *metrics.Recorder
	now        func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("stream manager requires a store")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("stream manager requires a supervisor")
	}
	if cfg.Videos == nil {
		return nil, fmt.Errorf("stream manager requires a video library")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		videos:     cfg.Videos,
		logger:     logging.WithComponent(logger, "stream"),
		recorder:   recorder,
		now:        now,
	}, nil
}

// CreateSession validates the request, provisions the supervised unit, and
// records the session as active. The unit is started before the record is
// inserted so a session never appears active without a unit behind it; if the
// insert then loses an id race the unit is torn back down.
func (m *Manager) CreateSession(ctx context.Context, params CreateParams) (models.ActiveSession, error) {
	id, err := m.validate(ctx, params)
	if err != nil {
		return models.ActiveSession{}, err
	}
	ctx = logging.ContextWithSessionID(ctx, id)
	logger := logging.WithContext(ctx, m.logger)

	destination, err := params.Platform.DestinationURL(params.StreamKey)
	if err != nil {
		return models.ActiveSession{}, invalid("platform", err.Error())
	}

	m.recorder.ObserveSupervisorAttempt("start")
	startParams := supervisor.StartParams{
		SessionID:      id,
		VideoPath:      m.videos.AbsolutePath(params.VideoFile),
		DestinationURL: destination,
		StreamKey:      params.StreamKey,
	}
	if err := m.supervisor.Start(ctx, startParams); err != nil {
		m.recorder.ObserveSupervisorFailure("start")
		logger.Error("failed to start supervised unit", "error", err)
		return models.ActiveSession{}, fmt.Errorf("start unit for %s: %w", id, err)
	}

	session := models.ActiveSession{SessionCore: models.SessionCore{
		ID:        id,
		Owner:     params.Owner,
		VideoFile: params.VideoFile,
		Platform:  params.Platform,
		StreamKey: params.StreamKey,
		StartedAt: m.now().UTC(),
	}}
	if err := m.store.InsertActiveSession(ctx, session); err != nil {
		// The unit is up but the record lost the race; tear it down so
		// the registry does not accumulate orphans.
		m.recorder.ObserveSupervisorAttempt("stop")
		if stopErr := m.supervisor.Stop(ctx, id); stopErr != nil {
			m.recorder.ObserveSupervisorFailure("stop")
			logger.Error("failed to roll back unit after insert failure", "error", stopErr)
		}
		return models.ActiveSession{}, err
	}

	m.recorder.SessionStarted()
	logger.Info("session started",
		"owner", session.Owner,
		"platform", string(session.Platform),
		"video", session.VideoFile)
	return session, nil
}

// StopSession halts the supervised unit and moves the session to the
// inactive bucket with the given reason. A supervisor failure is logged and
// counted but never blocks the transition: the unit is configured to not
// restart once its record leaves the active bucket, so recording the stop is
// the safer half to keep. Stopping an already-inactive session returns the
// existing record.
func (m *Manager) StopSession(ctx context.Context, id, reason string) (models.InactiveSession, error) {
	if strings.TrimSpace(id) == "" {
		return models.InactiveSession{}, invalid("id", "session id required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = models.StopReasonAdmin
	}
	ctx = logging.ContextWithSessionID(ctx, id)
	logger := logging.WithContext(ctx, m.logger)

	if _, ok, err := m.store.GetActiveSession(ctx, id); err != nil {
		return models.InactiveSession{}, err
	} else if !ok {
		if existing, found, err := m.store.GetInactiveSession(ctx, id); err != nil {
			return models.InactiveSession{}, err
		} else if found {
			return existing, nil
		}
		return models.InactiveSession{}, storage.ErrSessionNotFound
	}

	m.recorder.ObserveSupervisorAttempt("stop")
	if err := m.supervisor.Stop(ctx, id); err != nil {
		m.recorder.ObserveSupervisorFailure("stop")
		logger.Error("failed to stop supervised unit", "error", err)
	}

	inactive, err := m.store.DeactivateSession(ctx, id, reason, m.now().UTC())
	if errors.Is(err, storage.ErrSessionNotFound) {
		// Lost a race with a concurrent stop or sweep.
		if existing, found, getErr := m.store.GetInactiveSession(ctx, id); getErr == nil && found {
			return existing, nil
		}
		return models.InactiveSession{}, err
	}
	if err != nil {
		return models.InactiveSession{}, err
	}

	m.recorder.SessionStopped()
	logger.Info("session stopped", "reason", reason)
	return inactive, nil
}

// ListActiveSessions returns the active bucket sorted by id.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	return m.store.ListActiveSessions(ctx)
}

// ListInactiveSessions returns the history bucket sorted by id.
func (m *Manager) ListInactiveSessions(ctx context.Context) ([]models.InactiveSession, error) {
	return m.store.ListInactiveSessions(ctx)
}

func (m *Manager) validate(ctx context.Context, params CreateParams) (string, error) {
	if strings.TrimSpace(params.Name) == "" {
		return "", invalid("name", "session name required")
	}
	id := models.SanitizeSessionName(params.Name)
	if id == "" {
		return "", invalid("name", "session name has no usable characters")
	}
	if strings.TrimSpace(params.Owner) == "" {
		return "", invalid("owner", "owner required")
	}
	if !params.Platform.Supported() {
		return "", invalid("platform", fmt.Sprintf("unsupported platform %q", string(params.Platform)))
	}
	if strings.TrimSpace(params.StreamKey) == "" {
		return "", invalid("streamKey", "stream key required")
	}
	if strings.TrimSpace(params.VideoFile) == "" {
		return "", invalid("videoFile", "video file required")
	}
	if !m.videos.Exists(params.VideoFile) {
		return "", invalid("videoFile", fmt.Sprintf("video %q not found", params.VideoFile))
	}

	inUse, err := m.store.SessionIDInUse(ctx, id)
	if err != nil {
		return "", err
	}
	if inUse {
		return "", storage.ErrSessionIDInUse
	}
	return id, nil
}
