package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"streamloop/internal/models"
	"golang.org/x/sync/semaphore"
)

const defaultLockTimeout = 5 * time.Second

// dataset mirrors the on-disk layout: three named buckets in one JSON
// object, indented, safe to hand-edit between process restarts.
type dataset struct {
	ActiveSessions    map[string]models.ActiveSession   `json:"active_sessions"`
	InactiveSessions  map[string]models.InactiveSession `json:"inactive_sessions"`
	ScheduledSessions map[string]models.ScheduleRecord  `json:"scheduled_sessions"`
}

func newDataset() dataset {
	return dataset{
		ActiveSessions:    make(map[string]models.ActiveSession),
		InactiveSessions:  make(map[string]models.InactiveSession),
		ScheduledSessions: make(map[string]models.ScheduleRecord),
	}
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, session := range src.ActiveSessions {
		cloned := session
		if session.RecoveredAt != nil {
			recovered := *session.RecoveredAt
			cloned.RecoveredAt = &recovered
		}
		clone.ActiveSessions[id] = cloned
	}
	for id, session := range src.InactiveSessions {
		cloned := session
		if session.RecoveredAt != nil {
			recovered := *session.RecoveredAt
			cloned.RecoveredAt = &recovered
		}
		clone.InactiveSessions[id] = cloned
	}
	for id, record := range src.ScheduledSessions {
		clone.ScheduledSessions[id] = record
	}
	return clone
}

// Storage is the JSON-file datastore. A weighted semaphore serialises every
// read-modify-write cycle against the backing file with a bounded wait, so a
// concurrent sweep and an API stop can never interleave a partial write and
// a wedged operation fails instead of hanging.
type Storage struct {
	filePath    string
	sem         *semaphore.Weighted
	lockTimeout time.Duration
	data        dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or initialises) the JSON datastore at path. A missing or
// empty file yields three empty buckets, not an error.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:    path,
		sem:         semaphore.NewWeighted(1),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if store.lockTimeout <= 0 {
		store.lockTimeout = defaultLockTimeout
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.ActiveSessions == nil {
		s.data.ActiveSessions = make(map[string]models.ActiveSession)
	}
	if s.data.InactiveSessions == nil {
		s.data.InactiveSessions = make(map[string]models.InactiveSession)
	}
	if s.data.ScheduledSessions == nil {
		s.data.ScheduledSessions = make(map[string]models.ScheduleRecord)
	}
	return nil
}

func (s *Storage) acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.sem.Acquire(lockCtx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return nil
}

// view runs fn with the current dataset while holding the lock. fn must not
// retain references to the dataset maps.
func (s *Storage) view(ctx context.Context, fn func(dataset) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(s.data)
}

// mutate executes one atomic read-modify-write cycle: clone the snapshot,
// apply fn, persist, then commit in memory. A persist failure leaves both
// the prior file content and the in-memory snapshot untouched.
func (s *Storage) mutate(ctx context.Context, fn func(*dataset) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release(1)

	next := cloneDataset(s.data)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.view(ctx, func(dataset) error { return nil })
}

// Close is a no-op for the file-backed store; every mutation is already
// flushed before it commits.
func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) SessionIDInUse(ctx context.Context, id string) (bool, error) {
	var inUse bool
	err := s.view(ctx, func(data dataset) error {
		inUse = sessionIDInUse(data, id)
		return nil
	})
	return inUse, err
}

func sessionIDInUse(data dataset, id string) bool {
	if _, ok := data.ActiveSessions[id]; ok {
		return true
	}
	if _, ok := data.InactiveSessions[id]; ok {
		return true
	}
	for _, record := range data.ScheduledSessions {
		if record.Status != models.ScheduleStatusScheduled {
			continue
		}
		if models.SanitizeSessionName(record.SessionName) == id {
			return true
		}
	}
	return false
}

func (s *Storage) InsertActiveSession(ctx context.Context, session models.ActiveSession) error {
	return s.mutate(ctx, func(data *dataset) error {
		if sessionIDInUse(*data, session.ID) {
			return ErrSessionIDInUse
		}
		data.ActiveSessions[session.ID] = session
		return nil
	})
}

func (s *Storage) GetActiveSession(ctx context.Context, id string) (models.ActiveSession, bool, error) {
	var (
		session models.ActiveSession
		ok      bool
	)
	err := s.view(ctx, func(data dataset) error {
		session, ok = data.ActiveSessions[id]
		return nil
	})
	return session, ok, err
}

func (s *Storage) GetInactiveSession(ctx context.Context, id string) (models.InactiveSession, bool, error) {
	var (
		session models.InactiveSession
		ok      bool
	)
	err := s.view(ctx, func(data dataset) error {
		session, ok = data.InactiveSessions[id]
		return nil
	})
	return session, ok, err
}

func (s *Storage) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	var sessions []models.ActiveSession
	err := s.view(ctx, func(data dataset) error {
		sessions = make([]models.ActiveSession, 0, len(data.ActiveSessions))
		for _, session := range data.ActiveSessions {
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (s *Storage) ListInactiveSessions(ctx context.Context) ([]models.InactiveSession, error) {
	var sessions []models.InactiveSession
	err := s.view(ctx, func(data dataset) error {
		sessions = make([]models.InactiveSession, 0, len(data.InactiveSessions))
		for _, session := range data.InactiveSessions {
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (s *Storage) DeactivateSession(ctx context.Context, id, reason string, when time.Time) (models.InactiveSession, error) {
	var inactive models.InactiveSession
	err := s.mutate(ctx, func(data *dataset) error {
		active, ok := data.ActiveSessions[id]
		if !ok {
			return ErrSessionNotFound
		}
		inactive = active.Deactivate(when, reason)
		data.InactiveSessions[id] = inactive
		delete(data.ActiveSessions, id)
		return nil
	})
	if err != nil {
		return models.InactiveSession{}, err
	}
	return inactive, nil
}

func (s *Storage) ApplyReconciliation(ctx context.Context, changes ReconciliationChanges) (ReconciliationOutcome, error) {
	var outcome ReconciliationOutcome
	err := s.mutate(ctx, func(data *dataset) error {
		for _, recovery := range changes.Recoveries {
			session, ok := data.ActiveSessions[recovery.SessionID]
			if !ok {
				continue
			}
			recovered := recovery.When
			session.RecoveredAt = &recovered
			session.RecoveryCount++
			data.ActiveSessions[recovery.SessionID] = session
			outcome.Recovered++
		}
		for _, demotion := range changes.Demotions {
			session, ok := data.ActiveSessions[demotion.SessionID]
			if !ok {
				continue
			}
			data.InactiveSessions[demotion.SessionID] = session.Deactivate(demotion.When, demotion.Reason)
			delete(data.ActiveSessions, demotion.SessionID)
			outcome.Demoted++
		}
		outcome.ActiveRemaining = len(data.ActiveSessions)
		return nil
	})
	if err != nil {
		return ReconciliationOutcome{}, err
	}
	return outcome, nil
}

func (s *Storage) UpsertSchedule(ctx context.Context, record models.ScheduleRecord) error {
	return s.mutate(ctx, func(data *dataset) error {
		data.ScheduledSessions[record.JobID] = record
		return nil
	})
}

func (s *Storage) GetSchedule(ctx context.Context, jobID string) (models.ScheduleRecord, bool, error) {
	var (
		record models.ScheduleRecord
		ok     bool
	)
	err := s.view(ctx, func(data dataset) error {
		record, ok = data.ScheduledSessions[jobID]
		return nil
	})
	return record, ok, err
}

func (s *Storage) ListSchedules(ctx context.Context) ([]models.ScheduleRecord, error) {
	var records []models.ScheduleRecord
	err := s.view(ctx, func(data dataset) error {
		records = make([]models.ScheduleRecord, 0, len(data.ScheduledSessions))
		for _, record := range data.ScheduledSessions {
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].JobID < records[j].JobID })
	return records, nil
}

func (s *Storage) SetScheduleStatus(ctx context.Context, jobID string, status models.ScheduleStatus) (models.ScheduleRecord, error) {
	var updated models.ScheduleRecord
	err := s.mutate(ctx, func(data *dataset) error {
		record, ok := data.ScheduledSessions[jobID]
		if !ok {
			return ErrScheduleNotFound
		}
		record.Status = status
		data.ScheduledSessions[jobID] = record
		updated = record
		return nil
	})
	if err != nil {
		return models.ScheduleRecord{}, err
	}
	return updated, nil
}

func (s *Storage) DeleteSchedule(ctx context.Context, jobID string) error {
	return s.mutate(ctx, func(data *dataset) error {
		if _, ok := data.ScheduledSessions[jobID]; !ok {
			return ErrScheduleNotFound
		}
		delete(data.ScheduledSessions, jobID)
		return nil
	})
}
