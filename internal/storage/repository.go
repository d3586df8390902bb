package storage

import (
	"context"
	"errors"
	"time"

	"streamloop/internal/models"
)

var (
	// ErrLockTimeout indicates the store lock could not be acquired within
	// the configured bound. The operation is retryable.
	ErrLockTimeout = errors.New("store lock wait timed out")

	// ErrSessionNotFound indicates the id is not present in the bucket the
	// operation targets.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionIDInUse indicates the derived id already exists in one of
	// the session buckets or a pending schedule.
	ErrSessionIDInUse = errors.New("session id already in use")

	// ErrScheduleNotFound indicates no schedule record exists for the job id.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Demotion moves an active session to the inactive bucket with the given
// classification, provided it is still active when applied.
type Demotion struct {
	SessionID string
	Reason    string
	When      time.Time
}

// Recovery stamps a successful drift repair on an active session.
type Recovery struct {
	SessionID string
	When      time.Time
}

// ReconciliationChanges is the full outcome of one reconciliation sweep,
// applied to the store as a single atomic commit.
type ReconciliationChanges struct {
	Demotions  []Demotion
	Recoveries []Recovery
}

// ReconciliationOutcome reports what the store actually applied. Sessions
// that left the active bucket between the sweep's read and the commit are
// skipped, so the counts can be lower than the requested changes.
type ReconciliationOutcome struct {
	Recovered       int
	Demoted         int
	ActiveRemaining int
}

// Repository exposes the datastore operations required by the lifecycle,
// recovery, and scheduling engines. A session id lives in exactly one of the
// active and inactive buckets; schedule records are keyed independently by
// job id.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	SessionIDInUse(ctx context.Context, id string) (bool, error)
	InsertActiveSession(ctx context.Context, session models.ActiveSession) error
	GetActiveSession(ctx context.Context, id string) (models.ActiveSession, bool, error)
	GetInactiveSession(ctx context.Context, id string) (models.InactiveSession, bool, error)
	ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error)
	ListInactiveSessions(ctx context.Context) ([]models.InactiveSession, error)

	// DeactivateSession moves an active session to the inactive bucket in
	// one read-modify-write cycle. Returns ErrSessionNotFound when the id
	// is not active.
	DeactivateSession(ctx context.Context, id, reason string, when time.Time) (models.InactiveSession, error)

	// ApplyReconciliation commits every demotion and recovery from one
	// sweep under a single lock acquisition and a single durable write.
	ApplyReconciliation(ctx context.Context, changes ReconciliationChanges) (ReconciliationOutcome, error)

	UpsertSchedule(ctx context.Context, record models.ScheduleRecord) error
	GetSchedule(ctx context.Context, jobID string) (models.ScheduleRecord, bool, error)
	ListSchedules(ctx context.Context) ([]models.ScheduleRecord, error)
	SetScheduleStatus(ctx context.Context, jobID string, status models.ScheduleStatus) (models.ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, jobID string) error
}
