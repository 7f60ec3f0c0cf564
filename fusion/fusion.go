// Package fusion combines independent detector verdicts into one
// confidence-scored decision. Combine is a pure function: no I/O, same
// inputs always yield the same output, so the vote/threshold/override
// algorithm is easy to property-test for determinism.
package fusion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kure29/vpsmonitor/detect"
	"github.com/kure29/vpsmonitor/store"
)

// Weights maps a detector name to its fusion weight. Normalise before
// combining so the weighted sums live in [0,1].
type Weights map[string]float64

// Normalise returns a copy of w scaled so its values sum to 1. If w is
// empty or sums to 0, it returns w unchanged.
func (w Weights) Normalise() Weights {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var total float64
	for _, k := range keys {
		total += w[k]
	}
	if total <= 0 {
		return w
	}
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v / total
	}
	return out
}

// Verdict is the fused outcome of one poll.
type Verdict struct {
	Status     store.Verdict
	Confidence float64
	Evidence   string

	// RecheckSooner is set when D4 detected a fingerprint change but
	// every other detector stayed inconclusive: a suspicious change
	// with no corroborating signal, which the scheduler uses to pull
	// the item's next poll forward instead of waiting a full tick.
	RecheckSooner bool
}

// fingerprintBoost is added to an agreeing detector's confidence when
// D4 reports a fingerprint change, per spec.md §4.4.
const fingerprintBoost = 0.1

// othersAgreement reports the shared verdict among non-inconclusive
// results, and whether one exists. Disagreement (some available, some
// unavailable) reports false same as "no opinion at all" — callers
// distinguish the "all inconclusive" case separately via allInconclusive.
func othersAgreement(results []detect.Result) (store.Verdict, bool) {
	var verdict store.Verdict
	seen := false
	for _, r := range results {
		if r.Verdict == store.VerdictInconclusive {
			continue
		}
		if !seen {
			verdict, seen = r.Verdict, true
			continue
		}
		if r.Verdict != verdict {
			return "", false
		}
	}
	return verdict, seen
}

func allInconclusive(results []detect.Result) bool {
	for _, r := range results {
		if r.Verdict != store.VerdictInconclusive {
			return false
		}
	}
	return true
}

// apiOverrideThreshold is the D3 confidence above which an API probe's
// own verdict is treated as authoritative over the weighted vote.
const apiOverrideThreshold = 0.85

// Combine fuses independent detector results using a weighted vote
// between the available and unavailable sides, gated by
// confidenceThreshold, with an authoritative override when the API
// probe (detector name "api") speaks with high confidence.
func Combine(results []detect.Result, weights Weights, confidenceThreshold float64) Verdict {
	norm := weights.Normalise()

	var fingerprintChanged bool
	var others []detect.Result
	for _, r := range results {
		if r.Detector == "fingerprint" {
			if r.FingerprintChanged {
				fingerprintChanged = true
			}
			continue
		}
		others = append(others, r)
	}

	var agreeVerdict store.Verdict
	var agree, recheckSooner bool
	if fingerprintChanged {
		agreeVerdict, agree = othersAgreement(others)
		if !agree && allInconclusive(others) {
			recheckSooner = true
		}
	}

	var availScore, unavailScore float64
	var evidence []string

	for _, r := range results {
		conf := r.Confidence
		if agree && r.Detector != "fingerprint" && r.Verdict == agreeVerdict {
			conf = min(1.0, conf+fingerprintBoost)
		}

		w := norm[r.Detector]
		switch r.Verdict {
		case store.VerdictAvailable:
			availScore += w * conf
		case store.VerdictUnavailable:
			unavailScore += w * conf
		}
		if r.Evidence != "" {
			evidence = append(evidence, fmt.Sprintf("%s:%s", r.Detector, r.Evidence))
		}

		if r.Detector == "api" && r.Confidence >= apiOverrideThreshold &&
			(r.Verdict == store.VerdictAvailable || r.Verdict == store.VerdictUnavailable) {
			return Verdict{
				Status:     r.Verdict,
				Confidence: r.Confidence,
				Evidence:   "api override: " + strings.Join(evidence, "; "),
			}
		}
	}

	finalConfidence := availScore
	finalVerdict := store.VerdictAvailable
	if unavailScore > availScore {
		finalConfidence = unavailScore
		finalVerdict = store.VerdictUnavailable
	} else if unavailScore == availScore {
		finalVerdict = store.VerdictInconclusive
	}

	if finalVerdict != store.VerdictInconclusive && finalConfidence < confidenceThreshold {
		finalVerdict = store.VerdictInconclusive
	}
	if recheckSooner {
		finalVerdict = store.VerdictInconclusive
	}

	return Verdict{
		Status:        finalVerdict,
		Confidence:    finalConfidence,
		Evidence:      strings.Join(evidence, "; "),
		RecheckSooner: recheckSooner,
	}
}
