package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamloop/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// session schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return ctx, func() {}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

const activeSessionColumns = "id, owner_name, video_file, platform, stream_key, started_at, recovered_at, recovery_count"

func scanActiveSession(row pgx.Row) (models.ActiveSession, error) {
	var (
		session     models.ActiveSession
		platform    string
		recoveredAt *time.Time
	)
	if err := row.Scan(&session.ID, &session.Owner, &session.VideoFile, &platform, &session.StreamKey, &session.StartedAt, &recoveredAt, &session.RecoveryCount); err != nil {
		return models.ActiveSession{}, err
	}
	session.Platform = models.Platform(platform)
	session.RecoveredAt = recoveredAt
	return session, nil
}

func (r *postgresRepository) SessionIDInUse(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM stream_sessions WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query session id: %w", err)
	}
	if exists {
		return true, nil
	}

	rows, err := r.pool.Query(ctx, "SELECT session_name FROM stream_schedules WHERE status = $1", string(models.ScheduleStatusScheduled))
	if err != nil {
		return false, fmt.Errorf("query pending schedules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("scan schedule name: %w", err)
		}
		if models.SanitizeSessionName(name) == id {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (r *postgresRepository) InsertActiveSession(ctx context.Context, session models.ActiveSession) error {
	inUse, err := r.SessionIDInUse(ctx, session.ID)
	if err != nil {
		return err
	}
	if inUse {
		return ErrSessionIDInUse
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()
	_, err = r.pool.Exec(ctx, `
INSERT INTO stream_sessions (id, owner_name, video_file, platform, stream_key, status, started_at, recovered_at, recovery_count)
VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $8)`,
		session.ID, session.Owner, session.VideoFile, string(session.Platform), session.StreamKey,
		session.StartedAt, session.RecoveredAt, session.RecoveryCount)
	if err != nil {
		return fmt.Errorf("insert active session: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetActiveSession(ctx context.Context, id string) (models.ActiveSession, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, "SELECT "+activeSessionColumns+" FROM stream_sessions WHERE id = $1 AND status = 'active'", id)
	session, err := scanActiveSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ActiveSession{}, false, nil
	}
	if err != nil {
		return models.ActiveSession{}, false, fmt.Errorf("query active session: %w", err)
	}
	return session, true, nil
}

func (r *postgresRepository) GetInactiveSession(ctx context.Context, id string) (models.InactiveSession, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
SELECT id, owner_name, video_file, platform, stream_key, started_at, recovered_at, recovery_count, stopped_at, stop_reason
FROM stream_sessions WHERE id = $1 AND status = 'inactive'`, id)
	session, err := scanInactiveSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InactiveSession{}, false, nil
	}
	if err != nil {
		return models.InactiveSession{}, false, fmt.Errorf("query inactive session: %w", err)
	}
	return session, true, nil
}

func scanInactiveSession(row pgx.Row) (models.InactiveSession, error) {
	var (
		session     models.InactiveSession
		platform    string
		recoveredAt *time.Time
		stoppedAt   *time.Time
		stopReason  *string
	)
	if err := row.Scan(&session.ID, &session.Owner, &session.VideoFile, &platform, &session.StreamKey,
		&session.StartedAt, &recoveredAt, &session.RecoveryCount, &stoppedAt, &stopReason); err != nil {
		return models.InactiveSession{}, err
	}
	session.Platform = models.Platform(platform)
	session.RecoveredAt = recoveredAt
	if stoppedAt != nil {
		session.StoppedAt = *stoppedAt
	}
	if stopReason != nil {
		session.StopReason = *stopReason
	}
	return session, nil
}

func (r *postgresRepository) ListActiveSessions(ctx context.Context) ([]models.ActiveSession, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, "SELECT "+activeSessionColumns+" FROM stream_sessions WHERE status = 'active' ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.ActiveSession{}
	for rows.Next() {
		session, err := scanActiveSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *postgresRepository) ListInactiveSessions(ctx context.Context) ([]models.InactiveSession, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
SELECT id, owner_name, video_file, platform, stream_key, started_at, recovered_at, recovery_count, stopped_at, stop_reason
FROM stream_sessions WHERE status = 'inactive' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query inactive sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.InactiveSession{}
	for rows.Next() {
		session, err := scanInactiveSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inactive session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *postgresRepository) DeactivateSession(ctx context.Context, id, reason string, when time.Time) (models.InactiveSession, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
UPDATE stream_sessions
SET status = 'inactive', stopped_at = $2, stop_reason = $3
WHERE id = $1 AND status = 'active'
RETURNING id, owner_name, video_file, platform, stream_key, started_at, recovered_at, recovery_count, stopped_at, stop_reason`,
		id, when, reason)
	session, err := scanInactiveSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InactiveSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.InactiveSession{}, fmt.Errorf("deactivate session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ApplyReconciliation(ctx context.Context, changes ReconciliationChanges) (ReconciliationOutcome, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var outcome ReconciliationOutcome
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ReconciliationOutcome{}, fmt.Errorf("begin reconciliation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, recovery := range changes.Recoveries {
		tag, err := tx.Exec(ctx, `
UPDATE stream_sessions
SET recovered_at = $2, recovery_count = recovery_count + 1
WHERE id = $1 AND status = 'active'`, recovery.SessionID, recovery.When)
		if err != nil {
			return ReconciliationOutcome{}, fmt.Errorf("apply recovery %s: %w", recovery.SessionID, err)
		}
		outcome.Recovered += int(tag.RowsAffected())
	}
	for _, demotion := range changes.Demotions {
		tag, err := tx.Exec(ctx, `
UPDATE stream_sessions
SET status = 'inactive', stopped_at = $2, stop_reason = $3
WHERE id = $1 AND status = 'active'`, demotion.SessionID, demotion.When, demotion.Reason)
		if err != nil {
			return ReconciliationOutcome{}, fmt.Errorf("apply demotion %s: %w", demotion.SessionID, err)
		}
		outcome.Demoted += int(tag.RowsAffected())
	}

	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM stream_sessions WHERE status = 'active'").Scan(&outcome.ActiveRemaining); err != nil {
		return ReconciliationOutcome{}, fmt.Errorf("count active sessions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ReconciliationOutcome{}, fmt.Errorf("commit reconciliation: %w", err)
	}
	return outcome, nil
}

func (r *postgresRepository) UpsertSchedule(ctx context.Context, record models.ScheduleRecord) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
INSERT INTO stream_schedules (job_id, session_name, owner_name, platform, stream_key, video_file, start_time, duration_minutes, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO UPDATE SET
  session_name = EXCLUDED.session_name,
  owner_name = EXCLUDED.owner_name,
  platform = EXCLUDED.platform,
  stream_key = EXCLUDED.stream_key,
  video_file = EXCLUDED.video_file,
  start_time = EXCLUDED.start_time,
  duration_minutes = EXCLUDED.duration_minutes,
  status = EXCLUDED.status`,
		record.JobID, record.SessionName, record.Owner, string(record.Platform), record.StreamKey,
		record.VideoFile, record.StartTime, record.DurationMinutes, string(record.Status), record.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = "job_id, session_name, owner_name, platform, stream_key, video_file, start_time, duration_minutes, status, created_at"

func scanSchedule(row pgx.Row) (models.ScheduleRecord, error) {
	var (
		record   models.ScheduleRecord
		platform string
		status   string
	)
	if err := row.Scan(&record.JobID, &record.SessionName, &record.Owner, &platform, &record.StreamKey,
		&record.VideoFile, &record.StartTime, &record.DurationMinutes, &status, &record.CreatedAt); err != nil {
		return models.ScheduleRecord{}, err
	}
	record.Platform = models.Platform(platform)
	record.Status = models.ScheduleStatus(status)
	return record, nil
}

func (r *postgresRepository) GetSchedule(ctx context.Context, jobID string) (models.ScheduleRecord, bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM stream_schedules WHERE job_id = $1", jobID)
	record, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduleRecord{}, false, nil
	}
	if err != nil {
		return models.ScheduleRecord{}, false, fmt.Errorf("query schedule: %w", err)
	}
	return record, true, nil
}

func (r *postgresRepository) ListSchedules(ctx context.Context) ([]models.ScheduleRecord, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, "SELECT "+scheduleColumns+" FROM stream_schedules ORDER BY job_id")
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	records := []models.ScheduleRecord{}
	for rows.Next() {
		record, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *postgresRepository) SetScheduleStatus(ctx context.Context, jobID string, status models.ScheduleStatus) (models.ScheduleRecord, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
UPDATE stream_schedules SET status = $2 WHERE job_id = $1
RETURNING `+scheduleColumns, jobID, string(status))
	record, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduleRecord{}, ErrScheduleNotFound
	}
	if err != nil {
		return models.ScheduleRecord{}, fmt.Errorf("update schedule status: %w", err)
	}
	return record, nil
}

func (r *postgresRepository) DeleteSchedule(ctx context.Context, jobID string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, "DELETE FROM stream_schedules WHERE job_id = $1", jobID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}
