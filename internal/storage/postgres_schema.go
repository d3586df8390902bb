package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stream_sessions (
	id TEXT PRIMARY KEY,
	owner_name TEXT NOT NULL,
	video_file TEXT NOT NULL,
	platform TEXT NOT NULL,
	stream_key TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active', 'inactive')),
	started_at TIMESTAMPTZ NOT NULL,
	stopped_at TIMESTAMPTZ,
	stop_reason TEXT,
	recovered_at TIMESTAMPTZ,
	recovery_count INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS stream_sessions_status_idx ON stream_sessions (status)`,
	`CREATE TABLE IF NOT EXISTS stream_schedules (
	job_id TEXT PRIMARY KEY,
	session_name TEXT NOT NULL,
	owner_name TEXT NOT NULL,
	platform TEXT NOT NULL,
	stream_key TEXT NOT NULL,
	video_file TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('scheduled', 'fired', 'cancelled')),
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS stream_schedules_status_idx ON stream_schedules (status)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
