// Package sink implements the pluggable outbound delivery backends
// the notification aggregator fans out to: webhook, Telegram, Discord,
// and a stdout sink for local/diagnostic use.
package sink

import "context"

// Sink is the outbound delivery interface. Implementations must
// tolerate being invoked twice for the same (recipient, body) under
// rare retry races — the aggregator's ledger minimises but does not
// eliminate duplicates.
type Sink interface {
	SendText(ctx context.Context, recipient, body string) error
	SendBatch(ctx context.Context, recipient string, bodies []string) error
	Close() error
}

type envelope struct {
	Recipient string   `json:"recipient"`
	Body      string   `json:"body,omitempty"`
	Bodies    []string `json:"bodies,omitempty"`
}
