package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE capture_status AS ENUM ('running', 'completed', 'aborted'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS capture_sessions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		consultation_id TEXT NOT NULL,
		stream_tag TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status capture_status NOT NULL DEFAULT 'running',
		stop_reason TEXT NOT NULL DEFAULT '',
		segment_count INTEGER NOT NULL DEFAULT 0,
		segments_sent INTEGER NOT NULL DEFAULT 0,
		segments_failed INTEGER NOT NULL DEFAULT 0,
		segments_skipped INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`DROP INDEX IF EXISTS idx_capture_sessions_running`,
	`CREATE INDEX IF NOT EXISTS idx_capture_sessions_running_tag ON capture_sessions (consultation_id, stream_tag) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS segment_attempts (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_id UUID NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
		sequence_number INTEGER NOT NULL,
		stream_tag TEXT NOT NULL,
		outcome TEXT NOT NULL,
		bytes BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		settled_at TIMESTAMPTZ NOT NULL,
		UNIQUE(session_id, stream_tag, sequence_number)
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_id UUID NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
		stream_tag TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(session_id, stream_tag, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_segments_session ON transcript_segments (session_id, sequence_number, stream_tag)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for i, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return nil
}
