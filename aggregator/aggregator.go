// Package aggregator owns the PendingEvent queue and is the single
// background loop that debounces, batches, cooldown-gates, and
// delivers restock/outage/health notifications. Grounded on
// domwatch/internal/observer/debounce.go's window-or-maxbuffer
// debouncer, adapted from DOM-mutation batching to PendingEvent
// aggregation-tick batching.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kure29/vpsmonitor/clock"
	"github.com/kure29/vpsmonitor/observability"
	"github.com/kure29/vpsmonitor/sink"
	"github.com/kure29/vpsmonitor/store"
)

const maxDeliveryAttempts = 3
const maxDigestItems = 20
const staleEventAge = 24 * time.Hour

// Aggregator flushes PendingEvents on a fixed tick, resolving
// recipients by construction to admins and the item's owner only
// (Open Question 1), never to arbitrary subscribers.
type Aggregator struct {
	store  *store.Store
	clock  clock.Clock
	sink   sink.Sink
	log    *slog.Logger
	events *observability.EventLogger

	aggregationInterval time.Duration
	deliveryTimeout      time.Duration
	cooldown             time.Duration
	dailyNotifyLimit     int

	mu      sync.Mutex
	pending []*store.PendingEvent
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.log = l } }

// WithEventLogger attaches a business-event logger. Delivery and skip
// decisions are recorded as notification_sent/notification_skipped
// events; nil (the default) disables logging.
func WithEventLogger(l *observability.EventLogger) Option {
	return func(a *Aggregator) { a.events = l }
}

// New constructs an Aggregator. cooldown and dailyNotifyLimit are the
// system-wide defaults applied when a recipient has no override.
func New(s *store.Store, c clock.Clock, sk sink.Sink, aggregationInterval, deliveryTimeout, cooldown time.Duration, dailyNotifyLimit int, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:                s,
		clock:                c,
		sink:                 sk,
		log:                  slog.Default(),
		aggregationInterval:  aggregationInterval,
		deliveryTimeout:      deliveryTimeout,
		cooldown:             cooldown,
		dailyNotifyLimit:     dailyNotifyLimit,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Enqueue adds a transition to the pending queue. Safe for concurrent
// callers (the scheduler's workers).
func (a *Aggregator) Enqueue(ev *store.PendingEvent) {
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	a.mu.Unlock()
}

// Run blocks, flushing on every aggregation tick, until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.aggregationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.log.Error("aggregator: flush failed", "error", err)
			}
		}
	}
}

// Flush drains events old enough to batch, groups them by kind, and
// delivers. Events too fresh, or deferred for quiet hours, are kept
// for the next tick.
func (a *Aggregator) Flush(ctx context.Context) error {
	now := a.clock.Now()
	halfWindow := a.aggregationInterval / 2

	a.mu.Lock()
	all := a.pending
	a.pending = nil
	a.mu.Unlock()

	var ready []*store.PendingEvent
	var notReady []*store.PendingEvent
	for _, ev := range all {
		if now.Sub(time.UnixMilli(ev.DetectedAt)) >= halfWindow {
			ready = append(ready, ev)
		} else {
			notReady = append(notReady, ev)
		}
	}

	a.mu.Lock()
	a.pending = append(a.pending, notReady...)
	a.mu.Unlock()

	restocks := filterKind(ready, store.KindRestock)
	others := filterNotKind(ready, store.KindRestock)

	if len(restocks) > 0 {
		if err := a.flushRestocks(ctx, now, restocks); err != nil {
			return err
		}
	}
	for _, ev := range others {
		if err := a.deliverAdminOnly(ctx, now, ev); err != nil {
			a.log.Warn("aggregator: admin-only delivery failed", "item_id", ev.ItemID, "error", err)
		}
	}
	return nil
}

func filterKind(evs []*store.PendingEvent, kind store.NotificationKind) []*store.PendingEvent {
	var out []*store.PendingEvent
	for _, e := range evs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func filterNotKind(evs []*store.PendingEvent, kind store.NotificationKind) []*store.PendingEvent {
	var out []*store.PendingEvent
	for _, e := range evs {
		if e.Kind != kind {
			out = append(out, e)
		}
	}
	return out
}

// flushRestocks sends one digest per administrator and one individual
// message per subscribed item owner.
func (a *Aggregator) flushRestocks(ctx context.Context, now time.Time, events []*store.PendingEvent) error {
	admins, err := a.store.AdminIDs(ctx)
	if err != nil {
		return fmt.Errorf("aggregator: admin ids: %w", err)
	}

	for _, admin := range admins {
		a.deliverDigest(ctx, now, admin, events)
	}

	for _, ev := range events {
		item, err := a.store.GetItem(ctx, ev.ItemID)
		if err != nil || item == nil || item.OwnerID == "" || item.OwnerID == "system" {
			continue
		}
		body := fmt.Sprintf("%s is back in stock (confidence %.2f)", item.Name, ev.Confidence)
		a.deliverToRecipient(ctx, now, ev, item.OwnerID, body)
	}
	return nil
}

// deliverDigest sends one admin a compact message listing up to
// maxDigestItems restocked items, after filtering out any whose
// (item, admin) pair is still within cooldown or over the daily cap.
func (a *Aggregator) deliverDigest(ctx context.Context, now time.Time, admin string, events []*store.PendingEvent) {
	var lines []string
	var delivered []*store.PendingEvent
	for _, ev := range events {
		if len(lines) >= maxDigestItems {
			break
		}
		if !a.admissible(ctx, now, ev.ItemID, admin, true) {
			continue
		}
		item, err := a.store.GetItem(ctx, ev.ItemID)
		name := ev.ItemID
		if err == nil && item != nil {
			name = item.Name
		}
		lines = append(lines, fmt.Sprintf("%s (confidence %.2f)", name, ev.Confidence))
		delivered = append(delivered, ev)
	}
	if len(lines) == 0 {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.deliveryTimeout)
	defer cancel()
	if err := a.sendWithRetry(sendCtx, admin, "", lines); err != nil {
		a.log.Warn("aggregator: admin digest delivery failed", "admin", admin, "error", err)
		return
	}
	for _, ev := range delivered {
		a.recordLedger(ctx, now, ev.ItemID, admin, store.KindAdminSummary)
	}
}

// deliverToRecipient applies cooldown, daily-limit, quiet-hours, and
// notifications_enabled gating for one (item, recipient) pair, then
// delivers and records the ledger entry.
func (a *Aggregator) deliverToRecipient(ctx context.Context, now time.Time, ev *store.PendingEvent, recipient, body string) {
	user, err := a.store.GetUser(ctx, recipient)
	if err != nil {
		a.log.Warn("aggregator: get user failed", "recipient", recipient, "error", err)
		return
	}
	if user != nil && !user.NotificationsEnabled {
		a.logBusinessEvent(ctx, "notification_skipped", ev.ItemID, recipient, true, "notifications_disabled")
		return
	}
	if user != nil && inQuietHours(user, now) {
		if now.Sub(time.UnixMilli(ev.DetectedAt)) > staleEventAge {
			a.recordLedger(ctx, now, ev.ItemID, recipient, store.KindSkippedStale)
			return
		}
		a.Enqueue(ev)
		return
	}
	if !a.admissible(ctx, now, ev.ItemID, recipient, false) {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.deliveryTimeout)
	defer cancel()
	if err := a.sendWithRetry(sendCtx, recipient, body, nil); err != nil {
		a.log.Warn("aggregator: delivery failed", "recipient", recipient, "item_id", ev.ItemID, "error", err)
		return
	}
	a.recordLedger(ctx, now, ev.ItemID, recipient, ev.Kind)
}

// deliverAdminOnly handles outage/admin_health events, which are
// always admin-scoped regardless of item ownership.
func (a *Aggregator) deliverAdminOnly(ctx context.Context, now time.Time, ev *store.PendingEvent) error {
	admins, err := a.store.AdminIDs(ctx)
	if err != nil {
		return fmt.Errorf("aggregator: admin ids: %w", err)
	}
	body := fmt.Sprintf("item %s transitioned %s -> %s", ev.ItemID, ev.FromStatus, ev.ToStatus)
	for _, admin := range admins {
		a.deliverToRecipient(ctx, now, ev, admin, body)
	}
	return nil
}

func (a *Aggregator) admissible(ctx context.Context, now time.Time, itemID, recipient string, isAdmin bool) bool {
	last, err := a.store.LastSentAt(ctx, itemID, recipient)
	if err != nil {
		a.log.Warn("aggregator: last sent at failed", "error", err)
		return false
	}
	cooldown := a.cooldown
	limit := a.dailyNotifyLimit
	if !isAdmin {
		if user, err := a.store.GetUser(ctx, recipient); err == nil && user != nil {
			if user.CooldownSeconds > 0 {
				cooldown = time.Duration(user.CooldownSeconds) * time.Second
			}
			if user.DailyNotifyLimit > 0 {
				limit = user.DailyNotifyLimit
			}
		}
	}
	if !last.IsZero() && now.Sub(last) < cooldown {
		a.logBusinessEvent(ctx, "notification_skipped", itemID, recipient, true, "cooldown")
		return false
	}
	if limit > 0 {
		count, err := a.store.DeliveryCountSince(ctx, recipient, now.Add(-24*time.Hour))
		if err != nil {
			a.log.Warn("aggregator: delivery count failed", "error", err)
			return false
		}
		if count >= limit {
			a.logBusinessEvent(ctx, "notification_skipped", itemID, recipient, true, "daily_limit")
			return false
		}
	}
	return true
}

// logBusinessEvent is a no-op when no EventLogger is attached.
func (a *Aggregator) logBusinessEvent(ctx context.Context, eventType, itemID, recipient string, success bool, details string) {
	if a.events == nil {
		return
	}
	a.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "vpsmonitord",
		EntityType:  "item",
		EntityID:    itemID,
		UserID:      recipient,
		Action:      eventType,
		Details:     details,
		Success:     success,
	})
}

func (a *Aggregator) sendWithRetry(ctx context.Context, recipient, body string, batch []string) error {
	var lastErr error
	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var err error
		if batch != nil {
			err = a.sink.SendBatch(ctx, recipient, batch)
		} else {
			err = a.sink.SendText(ctx, recipient, body)
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("aggregator: delivery exhausted retries: %w", lastErr)
}

func (a *Aggregator) recordLedger(ctx context.Context, now time.Time, itemID, recipient string, kind store.NotificationKind) {
	err := a.store.AppendNotification(ctx, &store.NotificationRecord{
		ItemID:      itemID,
		RecipientID: recipient,
		SentAt:      now.UnixMilli(),
		Kind:        kind,
	})
	if err != nil {
		a.log.Warn("aggregator: append notification failed", "error", err)
	}
	eventType := "notification_sent"
	if kind == store.KindSkippedStale {
		eventType = "notification_skipped"
	}
	a.logBusinessEvent(ctx, eventType, itemID, recipient, err == nil, string(kind))
}

// inQuietHours reports whether now's hour-of-day falls inside the
// recipient's quiet window, handling windows that cross midnight.
func inQuietHours(user *store.User, now time.Time) bool {
	start, end := user.QuietHoursStart, user.QuietHoursEnd
	if start == end {
		return false
	}
	hour := now.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
