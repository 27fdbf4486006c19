package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/foxseedlab/monshin/internal/webhook"
	"github.com/go-resty/resty/v2"
)

const webhookTimeout = 15 * time.Second

type HTTPSender struct {
	webhookURL string
	client     *resty.Client
}

func NewHTTPSender(webhookURL string) webhook.Sender {
	return &HTTPSender{
		webhookURL: webhookURL,
		client: resty.New().
			SetTimeout(webhookTimeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// SendCaptureSummary is a no-op when no webhook URL is configured.
func (s *HTTPSender) SendCaptureSummary(ctx context.Context, payload webhook.CaptureSummaryPayload) error {
	if s.webhookURL == "" {
		return nil
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("post capture summary: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
