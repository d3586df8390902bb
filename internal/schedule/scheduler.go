package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamloop/internal/models"
	"streamloop/internal/observability/logging"
	"streamloop/internal/observability/metrics"
	"streamloop/internal/storage"
	"streamloop/internal/stream"
)

// Lifecycle is the slice of the stream manager the scheduler drives when a
// timer fires.
type Lifecycle interface {
	CreateSession(ctx context.Context, params stream.CreateParams) (models.ActiveSession, error)
	StopSession(ctx context.Context, id, reason string) (models.InactiveSession, error)
}

// Request is a deferred start instruction from an operator.
type Request struct {
	Name            string
	Owner           string
	VideoFile       string
	Platform        models.Platform
	StreamKey       string
	StartTime       time.Time
	DurationMinutes int
}

type timerHandle interface {
	Stop() bool
}

type realTimer struct{ *time.Timer }

func afterFunc(d time.Duration, fn func()) timerHandle {
	return realTimer{time.AfterFunc(d, fn)}
}

type job struct {
	startTimer timerHandle
	stopTimer  timerHandle
}

func (j *job) cancelTimers() {
	if j.startTimer != nil {
		j.startTimer.Stop()
	}
	if j.stopTimer != nil {
		j.stopTimer.Stop()
	}
}

// Config wires the scheduler's collaborators.
type Config struct {
	Store     storage.Repository
	Lifecycle Lifecycle
	Videos    stream.VideoLibrary
	Logger    *slog.Logger
	Recorder  *metrics.Recorder
	Now       func() time.Time

	// OnChange is invoked after a timer-driven mutation so the owner can
	// broadcast updated lists. May be nil.
	OnChange func(kind string)

	// AfterFunc lets tests substitute timer creation.
	AfterFunc func(d time.Duration, fn func()) timerHandle
}

// Scheduler arms wall-clock timers for deferred session starts and optional
// stops, and persists a record per job so pending schedules survive a process
// restart. Registering a job id that already exists replaces the prior timers
// instead of duplicating them.
type Scheduler struct {
	store     storage.Repository
	lifecycle Lifecycle
	videos    stream.VideoLibrary
	logger    *slog.Logger
	recorder  *metrics.Recorder
	now       func() time.Time
	onChange  func(kind string)
	afterFunc func(d time.Duration, fn func()) timerHandle

	mu   sync.Mutex
	jobs map[string]*job
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler requires a store")
	}
	if cfg.Lifecycle == nil {
		return nil, fmt.Errorf("scheduler requires a lifecycle manager")
	}
	if cfg.Videos == nil {
		return nil, fmt.Errorf("scheduler requires a video library")
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
	after := cfg.AfterFunc
	if after == nil {
		after = afterFunc
	}
	return &Scheduler{
		store:     cfg.Store,
		lifecycle: cfg.Lifecycle,
		videos:    cfg.Videos,
		logger:    logging.WithComponent(logger, "scheduler"),
		recorder:  recorder,
		now:       now,
		onChange:  cfg.OnChange,
		afterFunc: after,
		jobs:      make(map[string]*job),
	}, nil
}

// JobID derives the deterministic job id for a session name and start time.
func JobID(name string, start time.Time) string {
	return fmt.Sprintf("scheduled-%s-%d", models.SanitizeSessionName(name), start.Unix())
}

// Schedule validates the request, persists its record, and arms the timers.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (models.ScheduleRecord, error) {
	record, err := s.validate(req)
	if err != nil {
		return models.ScheduleRecord{}, err
	}

	if err := s.store.UpsertSchedule(ctx, record); err != nil {
		return models.ScheduleRecord{}, err
	}
	s.arm(record)

	s.logger.Info("schedule registered",
		"job_id", record.JobID,
		"session_name", record.SessionName,
		"start_time", record.StartTime,
		"duration_minutes", record.DurationMinutes)
	return record, nil
}

func (s *Scheduler) validate(req Request) (models.ScheduleRecord, error) {
	if strings.TrimSpace(req.Name) == "" || models.SanitizeSessionName(req.Name) == "" {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "name", Message: "session name required"}
	}
	if strings.TrimSpace(req.Owner) == "" {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "owner", Message: "owner required"}
	}
	if !req.Platform.Supported() {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "platform", Message: fmt.Sprintf("unsupported platform %q", string(req.Platform))}
	}
	if strings.TrimSpace(req.StreamKey) == "" {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "streamKey", Message: "stream key required"}
	}
	if strings.TrimSpace(req.VideoFile) == "" {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "videoFile", Message: "video file required"}
	}
	if !s.videos.Exists(req.VideoFile) {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "videoFile", Message: fmt.Sprintf("video %q not found", req.VideoFile)}
	}
	if req.DurationMinutes < 0 {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "durationMinutes", Message: "duration must not be negative"}
	}
	now := s.now()
	if !req.StartTime.After(now) {
		return models.ScheduleRecord{}, &stream.ValidationError{Field: "startTime", Message: "start time must be in the future"}
	}

	return models.ScheduleRecord{
		JobID:           JobID(req.Name, req.StartTime),
		SessionName:     req.Name,
		Owner:           req.Owner,
		Platform:        req.Platform,
		StreamKey:       req.StreamKey,
		VideoFile:       req.VideoFile,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          models.ScheduleStatusScheduled,
		CreatedAt:       now.UTC(),
	}, nil
}

// arm registers (or replaces) the timers for a schedule record.
func (s *Scheduler) arm(record models.ScheduleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[record.JobID]; ok {
		existing.cancelTimers()
	}

	j := &job{}
	j.startTimer = s.afterFunc(time.Until(record.StartTime), func() {
		s.fire(record)
	})
	if stopAt, bounded := record.StopTime(); bounded {
		j.stopTimer = s.afterFunc(time.Until(stopAt), func() {
			s.fireStop(record)
		})
	}
	s.jobs[record.JobID] = j
	s.recorder.SetScheduledJobs(int64(len(s.jobs)))
}

// fire starts the session for a due schedule and marks its record fired. A
// failed start still marks the record so the job never refires; the failure
// is logged for the operator.
func (s *Scheduler) fire(record models.ScheduleRecord) {
	ctx := context.Background()
	logger := s.logger.With("job_id", record.JobID, "session_name", record.SessionName)

	_, err := s.lifecycle.CreateSession(ctx, stream.CreateParams{
		Name:      record.SessionName,
		Owner:     record.Owner,
		VideoFile: record.VideoFile,
		Platform:  record.Platform,
		StreamKey: record.StreamKey,
	})
	if err != nil {
		logger.Error("scheduled start failed", "error", err)
	} else {
		logger.Info("scheduled session started")
	}

	if _, err := s.store.SetScheduleStatus(ctx, record.JobID, models.ScheduleStatusFired); err != nil && !errors.Is(err, storage.ErrScheduleNotFound) {
		logger.Error("failed to mark schedule fired", "error", err)
	}

	s.mu.Lock()
	if record.DurationMinutes <= 0 {
		// No stop timer pending, the job is finished.
		delete(s.jobs, record.JobID)
	}
	s.recorder.SetScheduledJobs(int64(len(s.jobs)))
	s.mu.Unlock()

	s.notify("schedules")
	s.notify("sessions")
}

// fireStop ends a duration-bounded scheduled session. The session id is
// derived from the schedule's name the same way create derives it.
func (s *Scheduler) fireStop(record models.ScheduleRecord) {
	ctx := context.Background()
	id := models.SanitizeSessionName(record.SessionName)
	logger := s.logger.With("job_id", record.JobID, "session_id", id)

	if _, err := s.lifecycle.StopSession(ctx, id, models.StopReasonScheduler); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			logger.Info("scheduled stop found no session, already gone")
		} else {
			logger.Error("scheduled stop failed", "error", err)
		}
	} else {
		logger.Info("scheduled session stopped")
	}

	s.mu.Lock()
	delete(s.jobs, record.JobID)
	s.recorder.SetScheduledJobs(int64(len(s.jobs)))
	s.mu.Unlock()

	s.notify("sessions")
}

// Cancel disarms a pending schedule and marks its record cancelled.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (models.ScheduleRecord, error) {
	s.mu.Lock()
	if j, ok := s.jobs[jobID]; ok {
		j.cancelTimers()
		delete(s.jobs, jobID)
	}
	s.recorder.SetScheduledJobs(int64(len(s.jobs)))
	s.mu.Unlock()

	record, err := s.store.SetScheduleStatus(ctx, jobID, models.ScheduleStatusCancelled)
	if err != nil {
		return models.ScheduleRecord{}, err
	}
	s.logger.Info("schedule cancelled", "job_id", jobID)
	return record, nil
}

// List returns every schedule record, fired and cancelled ones included.
func (s *Scheduler) List(ctx context.Context) ([]models.ScheduleRecord, error) {
	return s.store.ListSchedules(ctx)
}

// Restore re-arms timers for pending schedules after a process restart.
// Records whose start time has already passed are marked cancelled; the
// operator decides whether to reschedule a missed start.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	records, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}

	armed := 0
	now := s.now()
	for _, record := range records {
		if record.Status != models.ScheduleStatusScheduled {
			continue
		}
		if !record.StartTime.After(now) {
			s.logger.Warn("schedule missed its start time while the process was down, cancelling",
				"job_id", record.JobID, "start_time", record.StartTime)
			if _, err := s.store.SetScheduleStatus(ctx, record.JobID, models.ScheduleStatusCancelled); err != nil {
				s.logger.Error("failed to cancel missed schedule", "job_id", record.JobID, "error", err)
			}
			continue
		}
		s.arm(record)
		armed++
	}
	return armed, nil
}

// Close disarms every timer. Pending records stay in the store for the next
// process to restore.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		j.cancelTimers()
		delete(s.jobs, id)
	}
	s.recorder.SetScheduledJobs(0)
}

func (s *Scheduler) notify(kind string) {
	if s.onChange != nil {
		s.onChange(kind)
	}
}
