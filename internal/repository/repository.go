package repository

import (
	"context"
	"time"
)

type CreateSessionInput struct {
	ConsultationID string
	StreamTag      string
	StartedAt      time.Time
}

type CompleteSessionInput struct {
	SessionID       string
	EndedAt         time.Time
	Status          SessionStatus
	StopReason      string
	SegmentCount    int
	SegmentsSent    int
	SegmentsFailed  int
	SegmentsSkipped int
	LastError       string
}

type InsertSegmentAttemptInput struct {
	SessionID      string
	SequenceNumber int
	StreamTag      string
	Outcome        string
	Bytes          int64
	DurationMs     int64
	Error          string
	SettledAt      time.Time
}

type InsertTranscriptInput struct {
	SessionID      string
	StreamTag      string
	SequenceNumber int
	Content        string
}

type SessionRepository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*CaptureSession, error)
	CompleteSession(ctx context.Context, input CompleteSessionInput) error
	// GetRunningSession returns the running row of one consultation's stream,
	// or nil without error when none is running.
	GetRunningSession(ctx context.Context, consultationID, streamTag string) (*CaptureSession, error)
}

type SegmentRepository interface {
	InsertSegmentAttempt(ctx context.Context, input InsertSegmentAttemptInput) error
	ListSegmentAttempts(ctx context.Context, sessionID string) ([]SegmentAttempt, error)
}

type TranscriptRepository interface {
	InsertTranscriptSegment(ctx context.Context, input InsertTranscriptInput) error
	// ListTranscriptSegments orders by sequence number, then stream tag.
	ListTranscriptSegments(ctx context.Context, sessionID string) ([]TranscriptSegment, error)
}

type Repository interface {
	SessionRepository
	SegmentRepository
	TranscriptRepository
}
