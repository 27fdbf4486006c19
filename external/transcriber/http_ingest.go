package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foxseedlab/monshin/internal/audio"
	"github.com/foxseedlab/monshin/internal/transcriber"
	"github.com/go-resty/resty/v2"
)

// Segments are PUT so a retried request for the same
// (consultation, stream, sequence) replaces rather than duplicates.
const segmentPath = "/consultations/{consultationId}/streams/{streamTag}/segments/{sequenceNumber}"

const defaultRetryWait = 500 * time.Millisecond

type HTTPIngestConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	Encoder    audio.Encoder
}

type HTTPIngester struct {
	client  *resty.Client
	encoder audio.Encoder
}

func NewHTTPIngester(cfg HTTPIngestConfig) transcriber.Ingester {
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = defaultRetryWait
	}
	encoder := cfg.Encoder
	if encoder == nil {
		encoder = audio.PassthroughEncoder{}
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(10 * wait).
		AddRetryCondition(isRetryableIngestResponse)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPIngester{client: client, encoder: encoder}
}

func (t *HTTPIngester) IngestSegment(ctx context.Context, upload transcriber.SegmentUpload) error {
	payload, mimeType := upload.Audio, upload.MimeType
	if mimeType == audio.MimeTypeWAV {
		encoded, encodedType, err := t.encoder.Encode(upload.Audio)
		if err != nil {
			slog.Warn("segment encoding failed; uploading wav as recorded", "consultation_id", upload.ConsultationID, "sequence_number", upload.SequenceNumber, "error", err)
		} else {
			payload, mimeType = encoded, encodedType
		}
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"consultationId": upload.ConsultationID,
			"streamTag":      upload.StreamTag,
			"sequenceNumber": strconv.Itoa(upload.SequenceNumber),
		}).
		SetHeader("Content-Type", mimeType).
		SetHeader("X-Request-Id", upload.RequestID).
		SetBody(payload).
		Put(segmentPath)
	if err != nil {
		return fmt.Errorf("put segment: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("ingest endpoint returned status %d", resp.StatusCode())
	}
	return nil
}

func isRetryableIngestResponse(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
