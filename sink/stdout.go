package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Stdout writes each delivery as a JSON line, for local runs and
// diagnostics. Grounded on domwatch/internal/sink/stdout.go.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) SendText(_ context.Context, recipient, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Recipient: recipient, Body: body})
}

func (s *Stdout) SendBatch(_ context.Context, recipient string, bodies []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Recipient: recipient, Bodies: bodies})
}

func (s *Stdout) Close() error { return nil }
