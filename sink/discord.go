package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord delivers via an incoming webhook URL. recipient is unused
// (Discord webhooks are pre-bound to a channel) but kept for interface
// symmetry with the other sinks. Grounded on channels/discord.go's
// platform-adapter shape, trimmed to the outbound-send half.
type Discord struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{webhookURL: webhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *Discord) SendText(ctx context.Context, _, body string) error {
	return d.post(ctx, body)
}

func (d *Discord) SendBatch(ctx context.Context, _ string, bodies []string) error {
	return d.post(ctx, strings.Join(bodies, "\n\n"))
}

func (d *Discord) Close() error { return nil }

func (d *Discord) post(ctx context.Context, content string) error {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("sink: discord: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sink: discord: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: discord: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink: discord: status %d", resp.StatusCode)
	}
	return nil
}
