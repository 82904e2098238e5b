package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to a generic HTTP endpoint, one retry
// on transport failure. The payload identifies the sending service so a
// shared endpoint can route on it.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given endpoint URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(map[string]interface{}{
		"service": "trading-agent",
		"level":   string(alert.Level),
		"title":   alert.Title,
		"message": alert.Message,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	err = w.post(ctx, body)
	if err == nil {
		return nil
	}
	// One retry covers transient connection resets; anything persistent is
	// the caller's problem to log.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	if rerr := w.post(ctx, body); rerr != nil {
		return fmt.Errorf("webhook: send (after retry): %w", rerr)
	}
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
