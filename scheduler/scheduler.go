// Package scheduler polls for due items and enqueues fetch/detect/fuse
// work across a bounded worker pool. Grounded on
// veille/internal/scheduler/scheduler.go's ticker-driven poll loop,
// generalised from a job-sink abstraction to an in-process pipeline
// (fetch -> detect -> fuse -> transition -> aggregate) and from a
// single global concurrency knob to an errgroup-limited worker pool
// plus per-item in-flight tracking.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kure29/vpsmonitor/aggregator"
	"github.com/kure29/vpsmonitor/clock"
	"github.com/kure29/vpsmonitor/detect"
	"github.com/kure29/vpsmonitor/fetcher"
	"github.com/kure29/vpsmonitor/fusion"
	"github.com/kure29/vpsmonitor/observability"
	"github.com/kure29/vpsmonitor/store"
	"github.com/kure29/vpsmonitor/transition"
)

// suspiciousRecheckDelay is how soon after a fingerprint-only drift
// (no corroborating detector) the item becomes due again, well inside
// a normal check_interval.
const suspiciousRecheckDelay = 30 * time.Second

// Config holds the scheduling/retry knobs sourced from config.Config.
type Config struct {
	CheckInterval       time.Duration
	ConfidenceThreshold float64
	ErrorThreshold      int
	MaxWorkers          int
	RetryDelay          time.Duration
	MaxRetries          int
	BlockedBackoff      time.Duration
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 180 * time.Second
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
}

// Scheduler runs the due-set poll loop: fetch, detect, fuse, transition,
// then hand any resulting PendingEvent to the aggregator.
type Scheduler struct {
	store      *store.Store
	clock      clock.Clock
	fetch      *fetcher.Fetcher
	detectors  []detect.Detector
	weights    fusion.Weights
	aggregator *aggregator.Aggregator
	cfg        Config
	logger     *slog.Logger
	events     *observability.EventLogger
	hostname   string

	mu       sync.Mutex
	inFlight map[string]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithEventLogger attaches a business-event logger. Once attached, a
// worker_heartbeats row is written once per poll tick, and
// restock_detected/item_auto_disabled events are recorded; nil (the
// default) disables logging.
func WithEventLogger(l *observability.EventLogger) Option {
	return func(s *Scheduler) { s.events = l }
}

func New(s *store.Store, c clock.Clock, f *fetcher.Fetcher, detectors []detect.Detector, weights fusion.Weights, agg *aggregator.Aggregator, cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	sch := &Scheduler{
		store:      s,
		clock:      c,
		fetch:      f,
		detectors:  detectors,
		weights:    weights,
		aggregator: agg,
		cfg:        cfg,
		logger:     slog.Default(),
		hostname:   hostname,
		inFlight:   make(map[string]bool),
	}
	for _, o := range opts {
		o(sch)
	}
	return sch
}

// Run polls on a ticker until ctx is cancelled, running once immediately
// on start.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	if err := s.PollOnce(ctx); err != nil {
		s.logger.Error("scheduler: poll once", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.PollOnce(ctx); err != nil {
				s.logger.Error("scheduler: poll once", "error", err)
			}
		}
	}
}

// PollOnce fetches the due set and processes each item across a
// worker pool bounded by cfg.MaxWorkers. One item's failure never
// aborts the others: process() never returns an error to the group.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	if s.events != nil {
		s.events.LogHeartbeat(ctx, "scheduler", os.Getpid(), s.hostname)
	}

	items, err := s.store.DueItems(ctx, s.clock.Now(), s.cfg.CheckInterval)
	if err != nil {
		return fmt.Errorf("scheduler: due items: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxWorkers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			s.process(ctx, item)
			return nil
		})
	}
	return g.Wait()
}

// process runs the full pipeline for one item, skipping it if another
// worker is already mid-flight on the same item (a retry that outlived
// one poll tick).
func (s *Scheduler) process(ctx context.Context, item *store.Item) {
	if !s.claim(item.ItemID) {
		return
	}
	defer s.release(item.ItemID)

	res, fetchErr := s.fetchWithRetry(ctx, item)
	now := s.clock.Now()
	if fetchErr != nil {
		s.recordError(ctx, now, item, res, fetchErr)
		if res != nil && res.ErrorKind == fetcher.ErrBlocked && s.cfg.BlockedBackoff > 0 {
			// A future last_checked_at keeps the item out of DueItems for
			// BlockedBackoff beyond the normal CheckInterval.
			if err := s.store.SetLastCheckedAt(ctx, item.ItemID, now.Add(s.cfg.BlockedBackoff)); err != nil {
				s.logger.Warn("scheduler: blocked backoff", "item_id", item.ItemID, "error", err)
			}
		}
		return
	}

	results := s.runDetectors(ctx, item, res)
	verdict := fusion.Combine(results, s.weights, s.cfg.ConfidenceThreshold)

	history, err := s.store.RecentHistory(ctx, item.ItemID, 3)
	if err != nil {
		s.logger.Warn("scheduler: recent history", "item_id", item.ItemID, "error", err)
	}
	decision := transition.Evaluate(now.UnixMilli(), item, verdict, history, s.cfg.ConfidenceThreshold)

	prevEndpoint := item.APIEndpoint
	item.LastStatus = decision.NewState
	item.LastConfidence = verdict.Confidence
	item.ConsecutiveErrorCount = 0

	detectorJSON, err := json.Marshal(results)
	if err != nil {
		s.logger.Warn("scheduler: marshal detector results", "item_id", item.ItemID, "error", err)
	}
	check := &store.CheckRecord{
		ItemID:          item.ItemID,
		CheckTime:       now.UnixMilli(),
		Verdict:         verdict.Status,
		Confidence:      verdict.Confidence,
		DetectorResults: string(detectorJSON),
		HTTPStatus:      res.HTTPStatus,
		LatencyMs:       res.LatencyMs,
		FingerprintHash: item.FingerprintHash,
	}
	if err := s.store.RecordCheck(ctx, item, check); err != nil {
		s.logger.Warn("scheduler: record check", "item_id", item.ItemID, "error", err)
		return
	}
	if item.APIEndpoint != "" && item.APIEndpoint != prevEndpoint {
		if err := s.store.SetAPIEndpoint(ctx, item.ItemID, item.APIEndpoint); err != nil {
			s.logger.Warn("scheduler: set api endpoint", "item_id", item.ItemID, "error", err)
		}
	}

	if decision.Recheck {
		recheckAt := now.Add(-s.cfg.CheckInterval + suspiciousRecheckDelay)
		if err := s.store.SetLastCheckedAt(ctx, item.ItemID, recheckAt); err != nil {
			s.logger.Warn("scheduler: schedule recheck", "item_id", item.ItemID, "error", err)
		}
	}

	if decision.Event != nil {
		decision.Event.DetectedAt = now.UnixMilli()
		if decision.Event.Kind == store.KindRestock && s.events != nil {
			s.events.LogEvent(ctx, observability.BusinessEvent{
				EventType:   "restock_detected",
				ServiceName: "vpsmonitord",
				EntityType:  "item",
				EntityID:    item.ItemID,
				Action:      "restock_detected",
				Details:     fmt.Sprintf("confidence=%.2f", decision.Event.Confidence),
				Success:     true,
			})
		}
		s.aggregator.Enqueue(decision.Event)
	}
}

// fetchWithRetry retries transient failures with exponential backoff
// and ±25% jitter. A blocked classification is not retried in-process:
// it is returned at once, and process pushes the item's next poll back
// by BlockedBackoff, since no sub-interval retry would help against an
// active challenge.
func (s *Scheduler) fetchWithRetry(ctx context.Context, item *store.Item) (*fetcher.Result, error) {
	var res *fetcher.Result
	var err error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		res, err = s.fetch.Fetch(ctx, item.URL)

		// A successful HTTP round trip can still carry a classified
		// failure (server_error, blocked, ...) in res.ErrorKind with a
		// nil err; treat that the same as a transport-level error.
		kind := fetcher.ErrorKind("")
		if res != nil {
			kind = res.ErrorKind
		}
		if err == nil && kind == "" {
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("fetcher: classified %s", kind)
		}

		if kind == fetcher.ErrBlocked {
			s.logger.Warn("scheduler: blocked, deferring to next poll", "item_id", item.ItemID, "url", item.URL)
			return res, err
		}
		if attempt == s.cfg.MaxRetries {
			break
		}

		delay := jitter(s.cfg.RetryDelay * time.Duration(int64(1)<<uint(attempt)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return res, err
}

// jitter scales d by a random factor in [0.75, 1.25].
func jitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

func (s *Scheduler) recordError(ctx context.Context, now time.Time, item *store.Item, res *fetcher.Result, fetchErr error) {
	item.ConsecutiveErrorCount++
	item.LastStatus = store.VerdictError

	kind := fetcher.ErrorKind("unknown")
	var httpStatus int
	var latencyMs int64
	if res != nil {
		kind = res.ErrorKind
		httpStatus = res.HTTPStatus
		latencyMs = res.LatencyMs
	}

	check := &store.CheckRecord{
		ItemID:          item.ItemID,
		CheckTime:       now.UnixMilli(),
		Verdict:         store.VerdictError,
		ErrorKind:       string(kind),
		ErrorMessage:    fetchErr.Error(),
		HTTPStatus:      httpStatus,
		LatencyMs:       latencyMs,
		FingerprintHash: item.FingerprintHash,
	}
	if err := s.store.RecordCheck(ctx, item, check); err != nil {
		s.logger.Warn("scheduler: record check error", "item_id", item.ItemID, "error", err)
		return
	}

	if ev := transition.ErrorEscalation(item, s.cfg.ErrorThreshold); ev != nil {
		ev.DetectedAt = now.UnixMilli()
		if err := s.store.SetEnabled(ctx, item.ItemID, false); err != nil {
			s.logger.Warn("scheduler: auto-disable", "item_id", item.ItemID, "error", err)
		}
		if s.events != nil {
			s.events.LogEvent(ctx, observability.BusinessEvent{
				EventType:   "item_auto_disabled",
				ServiceName: "vpsmonitord",
				EntityType:  "item",
				EntityID:    item.ItemID,
				Action:      "item_auto_disabled",
				Details:     fmt.Sprintf("consecutive_errors=%d", item.ConsecutiveErrorCount),
				Success:     true,
			})
		}
		s.aggregator.Enqueue(ev)
	}
}

// runDetectors runs every detector concurrently against the same fetch
// result. A detector that itself errors is treated as an inconclusive
// non-vote rather than aborting the other detectors.
func (s *Scheduler) runDetectors(ctx context.Context, item *store.Item, res *fetcher.Result) []detect.Result {
	in := detect.Input{Fetch: res, Item: item}
	out := make([]detect.Result, len(s.detectors))

	var wg sync.WaitGroup
	for i, d := range s.detectors {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := d.Run(ctx, in)
			if err != nil {
				s.logger.Warn("scheduler: detector failed", "detector", d.Name(), "error", err)
				r = detect.Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "error"}
			}
			out[i] = r
		}()
	}
	wg.Wait()
	return out
}

func (s *Scheduler) claim(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[itemID] {
		return false
	}
	s.inFlight[itemID] = true
	return true
}

func (s *Scheduler) release(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, itemID)
}
