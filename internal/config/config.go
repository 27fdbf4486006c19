package config

import (
	"fmt"
	"time"
)

const (
	IngestModeHTTP        = "http"
	IngestModeCloudSpeech = "cloud_speech"
)

type Config struct {
	Env                        string
	HTTPAddr                   string
	DatabaseURL                string
	IngestMode                 string
	IngestURL                  string
	IngestAPIKey               string
	IngestTimeoutSec           int
	IngestRetryCount           int
	MaxConcurrentUploads       int
	StreamTag                  string
	CaptureCommand             string
	CaptureDevice              string
	SegmentTempDir             string
	SegmentRetentionMin        int
	TranscribeLanguage         string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	CaptureWebhookURL          string
	TranscriptTimezone         string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.IngestMode {
	case IngestModeHTTP:
		if c.IngestURL == "" {
			return fmt.Errorf("INGEST_URL is required when INGEST_MODE=%s", IngestModeHTTP)
		}
	case IngestModeCloudSpeech:
		if c.GoogleCloudProjectID == "" || c.GoogleCloudCredentialsJSON == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID and GOOGLE_CLOUD_CREDENTIALS_JSON are required when INGEST_MODE=%s", IngestModeCloudSpeech)
		}
	default:
		return fmt.Errorf("INGEST_MODE must be %q or %q, got %q", IngestModeHTTP, IngestModeCloudSpeech, c.IngestMode)
	}
	if c.StreamTag != "local" && c.StreamTag != "remote" {
		return fmt.Errorf("STREAM_TAG must be local or remote, got %q", c.StreamTag)
	}
	if c.IngestTimeoutSec <= 0 {
		return fmt.Errorf("INGEST_TIMEOUT_SEC must be positive, got %d", c.IngestTimeoutSec)
	}
	if c.IngestRetryCount < 0 {
		return fmt.Errorf("INGEST_RETRY_COUNT must not be negative, got %d", c.IngestRetryCount)
	}
	if c.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_UPLOADS must be positive, got %d", c.MaxConcurrentUploads)
	}
	if c.SegmentRetentionMin <= 0 {
		return fmt.Errorf("SEGMENT_RETENTION_MIN must be positive, got %d", c.SegmentRetentionMin)
	}
	if c.TranscriptTimezone == "" {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is required")
	}
	if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_ADDR", value: c.HTTPAddr},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "CAPTURE_COMMAND", value: c.CaptureCommand},
		{name: "SEGMENT_TEMP_DIR", value: c.SegmentTempDir},
		{name: "TRANSCRIBE_LANGUAGE", value: c.TranscribeLanguage},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IngestTimeout() time.Duration {
	return time.Duration(c.IngestTimeoutSec) * time.Second
}

func (c *Config) SegmentRetention() time.Duration {
	return time.Duration(c.SegmentRetentionMin) * time.Minute
}

// Location falls back to UTC so callers never need a nil check.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TranscriptTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
