package repository

import (
	"context"
	"errors"

	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, consultation_id, stream_tag, started_at, ended_at, status, stop_reason,
	segment_count, segments_sent, segments_failed, segments_skipped, last_error, created_at, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func scanSession(row pgx.Row) (*repository.CaptureSession, error) {
	var s repository.CaptureSession
	var status string
	err := row.Scan(&s.ID, &s.ConsultationID, &s.StreamTag, &s.StartedAt, &s.EndedAt, &status, &s.StopReason,
		&s.SegmentCount, &s.SegmentsSent, &s.SegmentsFailed, &s.SegmentsSkipped, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = repository.SessionStatus(status)
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.CaptureSession, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO capture_sessions (consultation_id, stream_tag, started_at, status)
		 VALUES ($1, $2, $3, 'running')
		 RETURNING `+sessionColumns,
		input.ConsultationID, input.StreamTag, input.StartedAt)
	return scanSession(row)
}

func (r *PostgresRepository) CompleteSession(ctx context.Context, input repository.CompleteSessionInput) error {
	status := input.Status
	if status == "" {
		status = repository.SessionStatusCompleted
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE capture_sessions
		 SET status = $2::capture_status, ended_at = $3, stop_reason = $4, segment_count = $5,
		     segments_sent = $6, segments_failed = $7, segments_skipped = $8, last_error = $9, updated_at = NOW()
		 WHERE id = $1`,
		input.SessionID, string(status), input.EndedAt, input.StopReason, input.SegmentCount,
		input.SegmentsSent, input.SegmentsFailed, input.SegmentsSkipped, input.LastError)
	return err
}

func (r *PostgresRepository) GetRunningSession(ctx context.Context, consultationID, streamTag string) (*repository.CaptureSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM capture_sessions WHERE consultation_id = $1 AND stream_tag = $2 AND status = 'running'
		 ORDER BY started_at DESC LIMIT 1`,
		consultationID, streamTag)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) InsertSegmentAttempt(ctx context.Context, input repository.InsertSegmentAttemptInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO segment_attempts (session_id, sequence_number, stream_tag, outcome, bytes, duration_ms, error, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, stream_tag, sequence_number) DO NOTHING`,
		input.SessionID, input.SequenceNumber, input.StreamTag, input.Outcome, input.Bytes, input.DurationMs, input.Error, input.SettledAt)
	return err
}

func (r *PostgresRepository) ListSegmentAttempts(ctx context.Context, sessionID string) ([]repository.SegmentAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, sequence_number, stream_tag, outcome, bytes, duration_ms, error, settled_at
		 FROM segment_attempts WHERE session_id = $1 ORDER BY sequence_number ASC, stream_tag ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.SegmentAttempt
	for rows.Next() {
		var a repository.SegmentAttempt
		if err := rows.Scan(&a.ID, &a.SessionID, &a.SequenceNumber, &a.StreamTag, &a.Outcome, &a.Bytes, &a.DurationMs, &a.Error, &a.SettledAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) InsertTranscriptSegment(ctx context.Context, input repository.InsertTranscriptInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transcript_segments (session_id, stream_tag, sequence_number, content)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, stream_tag, sequence_number) DO UPDATE SET content = EXCLUDED.content`,
		input.SessionID, input.StreamTag, input.SequenceNumber, input.Content)
	return err
}

func (r *PostgresRepository) ListTranscriptSegments(ctx context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, stream_tag, sequence_number, content, created_at
		 FROM transcript_segments WHERE session_id = $1 ORDER BY sequence_number ASC, stream_tag ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.TranscriptSegment
	for rows.Next() {
		var seg repository.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.StreamTag, &seg.SequenceNumber, &seg.Content, &seg.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}
