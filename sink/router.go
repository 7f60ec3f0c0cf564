package sink

import (
	"context"
	"log/slog"
)

// Router fans out a delivery to every configured sink. One sink's
// failure is logged and does not block the others; the first error
// encountered is returned so the aggregator can still retry/ledger
// correctly. Grounded on domwatch/internal/sink/router.go.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) SendText(ctx context.Context, recipient, body string) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.SendText(ctx, recipient, body); err != nil {
			r.logger.Warn("sink: router send text failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) SendBatch(ctx context.Context, recipient string, bodies []string) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.SendBatch(ctx, recipient, bodies); err != nil {
			r.logger.Warn("sink: router send batch failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
