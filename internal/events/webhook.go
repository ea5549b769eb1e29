package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookPublisher POSTs each event as JSON to a fixed URL.
type WebhookPublisher struct {
	URL    string
	client *http.Client
}

func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookPublisher{URL: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paywatch-Event", string(e.Type))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}

	// 4xx and 5xx
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
