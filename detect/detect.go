// Package detect implements the four independent stock-signal
// detectors (keyword scan, rendered-DOM inspection, API probing, and
// page-fingerprint drift) behind one shared capability interface.
package detect

import (
	"context"
	"time"

	"github.com/kure29/vpsmonitor/fetcher"
	"github.com/kure29/vpsmonitor/store"
)

// Result is one detector's opinion on a fetch.
type Result struct {
	Detector   string
	Verdict    store.Verdict
	Confidence float64
	Evidence   string

	// FingerprintChanged is set only by D4 (FingerprintDetector) when
	// the page's content fingerprint differs from the item's stored
	// hash. Fusion uses it to boost agreeing detectors' confidence, or
	// to flag a re-check when every other detector stayed inconclusive.
	FingerprintChanged bool
}

// Input bundles what a detector may need: the raw/rendered fetch and
// the item's persisted state (fingerprint, memoised API endpoint).
// D1 uses only Fetch; D2 also reads Item's vendor tag; D3/D4 also
// consult and update Item.
type Input struct {
	Fetch *fetcher.Result
	Item  *store.Item
}

// Detector is the shared capability every signal implements.
type Detector interface {
	Name() string
	Weight() float64
	Run(ctx context.Context, in Input) (Result, error)
}

// WithTimeout wraps d so that Run never blocks past timeout: on
// deadline exceeded it returns an inconclusive Result with
// evidence="timeout" rather than propagating an error, per spec.
func WithTimeout(d Detector, timeout time.Duration) Detector {
	return &timeoutDetector{inner: d, timeout: timeout}
}

type timeoutDetector struct {
	inner   Detector
	timeout time.Duration
}

func (t *timeoutDetector) Name() string    { return t.inner.Name() }
func (t *timeoutDetector) Weight() float64 { return t.inner.Weight() }

func (t *timeoutDetector) Run(ctx context.Context, in Input) (Result, error) {
	if t.timeout <= 0 {
		return t.inner.Run(ctx, in)
	}
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := t.inner.Run(runCtx, in)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-runCtx.Done():
		return Result{
			Detector:   t.inner.Name(),
			Verdict:    store.VerdictInconclusive,
			Confidence: 0,
			Evidence:   "timeout",
		}, nil
	}
}
