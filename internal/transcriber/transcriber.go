package transcriber

import "context"

type SegmentUpload struct {
	ConsultationID string
	StreamTag      string
	SequenceNumber int
	Audio          []byte
	MimeType       string
	RequestID      string
}

// Ingester accepts one finished audio segment. The transcript produced from
// it is delivered elsewhere, so no response payload is returned.
type Ingester interface {
	IngestSegment(ctx context.Context, upload SegmentUpload) error
}
