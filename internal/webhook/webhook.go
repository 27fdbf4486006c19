package webhook

import "context"

const CaptureSummarySchemaVersion = "1"

type CaptureSummarySegment struct {
	SequenceNumber int    `json:"sequence_number"`
	StreamTag      string `json:"stream_tag"`
	Outcome        string `json:"outcome"`
	Bytes          int64  `json:"bytes"`
	Error          string `json:"error,omitempty"`
	SettledAt      string `json:"settled_at"`
}

type CaptureSummaryTranscript struct {
	SequenceNumber int    `json:"sequence_number"`
	StreamTag      string `json:"stream_tag"`
	Text           string `json:"text"`
}

// CaptureSummaryPayload is posted once per capture session after it stops.
type CaptureSummaryPayload struct {
	SchemaVersion      string                     `json:"schema_version"`
	CaptureSessionID   string                     `json:"capture_session_id"`
	ConsultationID     string                     `json:"consultation_id"`
	StreamTag          string                     `json:"stream_tag"`
	StartAt            string                     `json:"start_at"`
	EndAt              string                     `json:"end_at"`
	Timezone           string                     `json:"timezone"`
	DurationSeconds    int64                      `json:"duration_seconds"`
	StopReason         string                     `json:"stop_reason"`
	SegmentCount       int                        `json:"segment_count"`
	SegmentsSent       int                        `json:"segments_sent"`
	SegmentsFailed     int                        `json:"segments_failed"`
	SegmentsSkipped    int                        `json:"segments_skipped"`
	LastError          string                     `json:"last_error,omitempty"`
	Segments           []CaptureSummarySegment    `json:"segments"`
	TranscriptSegments []CaptureSummaryTranscript `json:"transcript_segments,omitempty"`
	Transcript         string                     `json:"transcript,omitempty"`
}

type Sender interface {
	SendCaptureSummary(ctx context.Context, payload CaptureSummaryPayload) error
}
