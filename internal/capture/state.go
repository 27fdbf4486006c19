package capture

import (
	"errors"
	"time"
)

var (
	ErrPermissionDenied  = errors.New("recording permission denied")
	ErrDeviceUnavailable = errors.New("recording device unavailable")
	ErrStopping          = errors.New("capture is stopping")
	ErrClosed            = errors.New("capture controller is closed")
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// SegmentResult describes how one segment's upload attempt settled.
type SegmentResult struct {
	SessionID      string
	SequenceNumber int
	StreamTag      string
	Bytes          int64
	Outcome        Outcome
	Err            error
	Duration       time.Duration
	SettledAt      time.Time
}

type Observer interface {
	OnSegmentSettled(result SegmentResult)
}

type ObserverFunc func(SegmentResult)

func (f ObserverFunc) OnSegmentSettled(result SegmentResult) { f(result) }

// Stats is a point-in-time copy of the capture session counters.
type Stats struct {
	Recording       bool   `json:"recording"`
	State           string `json:"state"`
	SessionID       string `json:"session_id,omitempty"`
	SegmentIndex    int    `json:"segment_index"`
	SegmentsSent    int    `json:"segments_sent"`
	SegmentsFailed  int    `json:"segments_failed"`
	SegmentsSkipped int    `json:"segments_skipped"`
	LastError       string `json:"last_error,omitempty"`
}

// session is reset on every Start and never shared between sessions.
type session struct {
	id              string
	segmentIndex    int
	segmentsSent    int
	segmentsFailed  int
	segmentsSkipped int
	lastError       string
}
