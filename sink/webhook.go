package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook POSTs a JSON envelope to a configured URL, retrying with
// exponential backoff. Grounded on domwatch/internal/sink/webhook.go.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

type WebhookOption func(*Webhook)

func WithWebhookRetries(n int) WebhookOption { return func(w *Webhook) { w.maxRetries = n } }
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) SendText(ctx context.Context, recipient, body string) error {
	return w.post(ctx, envelope{Recipient: recipient, Body: body})
}

func (w *Webhook) SendBatch(ctx context.Context, recipient string, bodies []string) error {
	return w.post(ctx, envelope{Recipient: recipient, Bodies: bodies})
}

func (w *Webhook) Close() error { return nil }

func (w *Webhook) post(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sink: webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("sink: webhook: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("sink: webhook request failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("sink: webhook: status %d", resp.StatusCode)
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			w.logger.Warn("sink: webhook bad status, retrying", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}
		break
	}
	return fmt.Errorf("sink: webhook: delivery failed: %w", lastErr)
}
