package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/monshin/internal/config"
)

type envConfig struct {
	Env                        string `env:"ENV" envDefault:"production"`
	HTTPAddr                   string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL                string `env:"DATABASE_URL,required"`
	IngestMode                 string `env:"INGEST_MODE" envDefault:"http"`
	IngestURL                  string `env:"INGEST_URL"`
	IngestAPIKey               string `env:"INGEST_API_KEY"`
	IngestTimeoutSec           int    `env:"INGEST_TIMEOUT_SEC" envDefault:"30"`
	IngestRetryCount           int    `env:"INGEST_RETRY_COUNT" envDefault:"0"`
	MaxConcurrentUploads       int    `env:"MAX_CONCURRENT_UPLOADS" envDefault:"4"`
	StreamTag                  string `env:"STREAM_TAG" envDefault:"local"`
	CaptureCommand             string `env:"CAPTURE_COMMAND" envDefault:"arecord"`
	CaptureDevice              string `env:"CAPTURE_DEVICE" envDefault:"default"`
	SegmentTempDir             string `env:"SEGMENT_TEMP_DIR"`
	SegmentRetentionMin        int    `env:"SEGMENT_RETENTION_MIN" envDefault:"60"`
	TranscribeLanguage         string `env:"TRANSCRIBE_LANGUAGE" envDefault:"ja-JP"`
	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`
	CaptureWebhookURL          string `env:"CAPTURE_WEBHOOK_URL"`
	TranscriptTimezone         string `env:"TRANSCRIPT_TIMEZONE" envDefault:"Asia/Tokyo"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	if raw.SegmentTempDir == "" {
		raw.SegmentTempDir = filepath.Join(os.TempDir(), "monshin-segments")
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		HTTPAddr:                   raw.HTTPAddr,
		DatabaseURL:                raw.DatabaseURL,
		IngestMode:                 raw.IngestMode,
		IngestURL:                  raw.IngestURL,
		IngestAPIKey:               raw.IngestAPIKey,
		IngestTimeoutSec:           raw.IngestTimeoutSec,
		IngestRetryCount:           raw.IngestRetryCount,
		MaxConcurrentUploads:       raw.MaxConcurrentUploads,
		StreamTag:                  raw.StreamTag,
		CaptureCommand:             raw.CaptureCommand,
		CaptureDevice:              raw.CaptureDevice,
		SegmentTempDir:             raw.SegmentTempDir,
		SegmentRetentionMin:        raw.SegmentRetentionMin,
		TranscribeLanguage:         raw.TranscribeLanguage,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		CaptureWebhookURL:          raw.CaptureWebhookURL,
		TranscriptTimezone:         raw.TranscriptTimezone,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
