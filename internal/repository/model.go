package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAborted   SessionStatus = "aborted"
)

// CaptureSession is the ledger row of one capture run for a consultation.
type CaptureSession struct {
	ID              string
	ConsultationID  string
	StreamTag       string
	StartedAt       time.Time
	EndedAt         *time.Time
	Status          SessionStatus
	StopReason      string
	SegmentCount    int
	SegmentsSent    int
	SegmentsFailed  int
	SegmentsSkipped int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SegmentAttempt struct {
	ID             string
	SessionID      string
	SequenceNumber int
	StreamTag      string
	Outcome        string
	Bytes          int64
	DurationMs     int64
	Error          string
	SettledAt      time.Time
}

type TranscriptSegment struct {
	ID             string
	SessionID      string
	StreamTag      string
	SequenceNumber int
	Content        string
	CreatedAt      time.Time
}
