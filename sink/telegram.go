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

// Telegram delivers via the Bot API's sendMessage endpoint. Grounded
// on channels/telegram.go's platform-adapter shape, trimmed to the
// outbound-send half since the inbound bot UI is out of scope.
type Telegram struct {
	botToken string
	client   *http.Client
}

func NewTelegram(botToken string) *Telegram {
	return &Telegram{botToken: botToken, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *Telegram) SendText(ctx context.Context, chatID, body string) error {
	return t.send(ctx, chatID, body)
}

func (t *Telegram) SendBatch(ctx context.Context, chatID string, bodies []string) error {
	return t.send(ctx, chatID, strings.Join(bodies, "\n\n"))
}

func (t *Telegram) Close() error { return nil }

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		return fmt.Errorf("sink: telegram: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sink: telegram: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: telegram: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink: telegram: status %d", resp.StatusCode)
	}
	return nil
}
