package transcriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/monshin/internal/audio"
	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/transcriber"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	speechAPIEndpointPort = 443
	speechRetryBackoff    = 500 * time.Millisecond
)

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
	Model           string
	RetryCount      int
}

type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type speechClient struct{ c *speech.Client }

func (s speechClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return s.c.Recognize(ctx, req)
}

func (s speechClient) Close() error { return s.c.Close() }

// CloudSpeechIngester transcribes each segment synchronously with Cloud
// Speech v2 and stores the text against the running capture session.
type CloudSpeechIngester struct {
	projectID  string
	language   string
	location   string
	model      string
	retryCount int
	repo       repository.Repository
	newClient  func(ctx context.Context) (recognizer, error)

	mu     sync.Mutex
	client recognizer
}

func NewCloudSpeechIngester(cfg CloudSpeechConfig, repo repository.Repository) *CloudSpeechIngester {
	location := strings.TrimSpace(cfg.Location)
	t := &CloudSpeechIngester{
		projectID:  cfg.ProjectID,
		language:   cfg.Language,
		location:   location,
		model:      strings.TrimSpace(cfg.Model),
		retryCount: cfg.RetryCount,
		repo:       repo,
	}
	credentialsJSON := cfg.CredentialsJSON
	t.newClient = func(ctx context.Context) (recognizer, error) {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			CredentialsJSON: []byte(credentialsJSON),
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials: %w", err)
		}
		opts := []option.ClientOption{option.WithAuthCredentials(creds)}
		if endpoint := speechEndpoint(location); endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		c, err := speech.NewClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return speechClient{c: c}, nil
	}
	return t
}

var _ transcriber.Ingester = (*CloudSpeechIngester)(nil)

func (t *CloudSpeechIngester) IngestSegment(ctx context.Context, upload transcriber.SegmentUpload) error {
	f, pcm, err := audio.ParseWAV(upload.Audio)
	if err != nil {
		return fmt.Errorf("parse segment audio: %w", err)
	}
	client, err := t.recognizer(ctx)
	if err != nil {
		return err
	}

	req := &speechpb.RecognizeRequest{
		Recognizer: t.recognizerName(),
		Config: &speechpb.RecognitionConfig{
			Model:         t.model,
			LanguageCodes: []string{t.language},
			DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
				ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
					Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
					SampleRateHertz:   int32(f.SampleRate),
					AudioChannelCount: int32(f.Channels),
				},
			},
			Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
		},
		AudioSource: &speechpb.RecognizeRequest_Content{Content: pcm},
	}

	var resp *speechpb.RecognizeResponse
	for attempt := 0; ; attempt++ {
		resp, err = client.Recognize(ctx, req)
		if err == nil {
			break
		}
		if attempt >= t.retryCount || !isTransientSpeechError(err) {
			return fmt.Errorf("recognize segment: %w", err)
		}
		slog.Warn("cloud speech recognize failed with transient error; retrying", "consultation_id", upload.ConsultationID, "sequence_number", upload.SequenceNumber, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(speechRetryBackoff * time.Duration(attempt+1)):
		}
	}

	text := transcriptText(resp)
	if text == "" {
		slog.Debug("cloud speech returned no transcript", "consultation_id", upload.ConsultationID, "sequence_number", upload.SequenceNumber)
		return nil
	}
	sess, err := t.repo.GetRunningSession(ctx, upload.ConsultationID, upload.StreamTag)
	if err != nil {
		return fmt.Errorf("lookup capture session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("no running capture session for consultation %s stream %s", upload.ConsultationID, upload.StreamTag)
	}
	if err := t.repo.InsertTranscriptSegment(ctx, repository.InsertTranscriptInput{
		SessionID:      sess.ID,
		StreamTag:      upload.StreamTag,
		SequenceNumber: upload.SequenceNumber,
		Content:        text,
	}); err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}
	return nil
}

func (t *CloudSpeechIngester) recognizer(ctx context.Context) (recognizer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	slog.Info("creating cloud speech client", "location", t.location, "model", t.model, "language", t.language)
	c, err := t.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create cloud speech client: %w", err)
	}
	t.client = c
	return c, nil
}

func (t *CloudSpeechIngester) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *CloudSpeechIngester) recognizerName() string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.location)
}

// speechEndpoint returns "" for the global location, which uses the default endpoint.
func speechEndpoint(location string) string {
	if location == "" || location == "global" {
		return ""
	}
	return fmt.Sprintf("%s-speech.googleapis.com:%d", location, speechAPIEndpointPort)
}

func transcriptText(resp *speechpb.RecognizeResponse) string {
	parts := make([]string, 0, len(resp.GetResults()))
	for _, result := range resp.GetResults() {
		if len(result.GetAlternatives()) == 0 {
			continue
		}
		if text := strings.TrimSpace(result.GetAlternatives()[0].GetTranscript()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func isTransientSpeechError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
