package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness enforces per-host concurrency <= 1 and a per-host minimum
// delay between a poll's completion and the next dispatch to the same
// host. Adapted from shield.RateLimiter's
// per-key bucket table, but keyed on outbound host rather than inbound
// client IP, and gating a single admission rather than counting a
// rolling window of requests.
type Politeness struct {
	minDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inFlight map[string]bool
}

// NewPoliteness constructs a Politeness tracker with the given
// per-host minimum delay between a completed poll and the next dispatch.
func NewPoliteness(minDelay time.Duration) *Politeness {
	if minDelay <= 0 {
		minDelay = 2 * time.Second
	}
	return &Politeness{
		minDelay: minDelay,
		limiters: make(map[string]*rate.Limiter),
		inFlight: make(map[string]bool),
	}
}

// Wait blocks until host may be polled: no other poll is in flight for
// the same host, and the minimum delay since the last completed poll
// has elapsed. Callers must call Done(host) when the poll completes.
func (p *Politeness) Wait(ctx context.Context, host string) error {
	for {
		p.mu.Lock()
		if !p.inFlight[host] {
			p.inFlight[host] = true
			lim := p.limiterFor(host)
			p.mu.Unlock()
			return lim.Wait(ctx)
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("fetcher: politeness wait cancelled for host %q: %w", host, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Done releases the in-flight slot for host, acquired by a prior Wait,
// and restarts the host's minimum delay from this completion.
func (p *Politeness) Done(host string) {
	lim := rate.NewLimiter(rate.Every(p.minDelay), 1)
	lim.Allow()
	p.mu.Lock()
	delete(p.inFlight, host)
	p.limiters[host] = lim
	p.mu.Unlock()
}

func (p *Politeness) limiterFor(host string) *rate.Limiter {
	lim, ok := p.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.minDelay), 1)
		p.limiters[host] = lim
	}
	return lim
}
