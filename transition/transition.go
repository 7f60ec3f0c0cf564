// Package transition classifies a fused verdict against an item's
// current state into a PendingEvent, applying hysteresis so a single
// high-confidence reading doesn't flip a long-standing status on its
// own unless it clears an extra confidence margin or is corroborated
// by the next reading.
package transition

import (
	"github.com/kure29/vpsmonitor/fusion"
	"github.com/kure29/vpsmonitor/store"
)

// hysteresisMargin is added to confidenceThreshold before a lone
// available reading is allowed to flip a long unavailable run.
const hysteresisMargin = 0.15

// Decision is the outcome of evaluating one fused verdict against history.
type Decision struct {
	Event    *store.PendingEvent // nil when no notification should fire
	NewState store.Verdict       // status to persist on the item

	// Recheck flags a suspicious, uncorroborated fingerprint change:
	// the scheduler should pull this item's next poll forward instead
	// of waiting a full check_interval.
	Recheck bool
}

// Evaluate applies the decision table of spec.md §4.7. history is the
// most recent checks for this item, newest first, not including the
// current verdict.
func Evaluate(now int64, item *store.Item, verdict fusion.Verdict, history []*store.CheckRecord, confidenceThreshold float64) Decision {
	from := item.LastStatus

	switch verdict.Status {
	case store.VerdictInconclusive:
		return Decision{NewState: from, Recheck: verdict.RecheckSooner}

	case store.VerdictAvailable:
		if from == store.VerdictAvailable {
			return Decision{NewState: store.VerdictAvailable}
		}
		if verdict.Confidence < confidenceThreshold {
			return Decision{NewState: from}
		}
		if verdict.Confidence >= confidenceThreshold+hysteresisMargin || corroboratedAvailable(history) {
			return Decision{
				NewState: store.VerdictAvailable,
				Event: &store.PendingEvent{
					ItemID:     item.ItemID,
					DetectedAt: now,
					FromStatus: from,
					ToStatus:   store.VerdictAvailable,
					Confidence: verdict.Confidence,
					Kind:       store.KindRestock,
				},
			}
		}
		// Single borderline reading: hold state, wait for the next tick
		// to corroborate.
		return Decision{NewState: from}

	case store.VerdictUnavailable:
		if verdict.Confidence < confidenceThreshold {
			return Decision{NewState: from}
		}
		if from == store.VerdictAvailable && twoOfLastThreeUnavailable(history, verdict) {
			return Decision{
				NewState: store.VerdictUnavailable,
				Event: &store.PendingEvent{
					ItemID:     item.ItemID,
					DetectedAt: now,
					FromStatus: from,
					ToStatus:   store.VerdictUnavailable,
					Confidence: verdict.Confidence,
					Kind:       store.KindOutage,
				},
			}
		}
		return Decision{NewState: store.VerdictUnavailable}

	default:
		return Decision{NewState: from}
	}
}

// corroboratedAvailable reports whether any of the last two history
// entries also read available, satisfying the "current or any of
// previous k-1 agree" condition of the restock row.
func corroboratedAvailable(history []*store.CheckRecord) bool {
	for i, h := range history {
		if i >= 2 {
			break
		}
		if h.Verdict == store.VerdictAvailable {
			return true
		}
	}
	return false
}

// twoOfLastThreeUnavailable reports whether, counting the current
// verdict, at least two of the last three readings are unavailable.
func twoOfLastThreeUnavailable(history []*store.CheckRecord, current fusion.Verdict) bool {
	count := 0
	if current.Status == store.VerdictUnavailable {
		count++
	}
	for i, h := range history {
		if i >= 2 {
			break
		}
		if h.Verdict == store.VerdictUnavailable {
			count++
		}
	}
	return count >= 2
}

// ErrorEscalation reports whether the item's consecutive error count
// has just crossed threshold, in which case an admin_health event
// should be emitted and the item auto-disabled.
func ErrorEscalation(item *store.Item, errorThreshold int) *store.PendingEvent {
	if errorThreshold <= 0 || item.ConsecutiveErrorCount != errorThreshold {
		return nil
	}
	return &store.PendingEvent{
		ItemID:     item.ItemID,
		FromStatus: item.LastStatus,
		ToStatus:   store.VerdictError,
		Kind:       store.KindAdminHealth,
	}
}
