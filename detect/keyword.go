package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/kure29/vpsmonitor/store"
	"github.com/microcosm-cc/bluemonday"
)

var unavailableMarkers = []string{
	"out of stock", "sold out", "unavailable", "currently unavailable",
	"notify me when available", "temporarily out of stock",
	"缺货", "售罄", "补货中", "暂时缺货",
}

var availableMarkers = []string{
	"add to cart", "buy now", "order now", "in stock", "add to basket",
	"立即购买", "加入购物车", "现货",
}

var stripper = bluemonday.StripTagsPolicy()

// KeywordDetector (D1) scans the sanitised raw body text against
// curated multilingual marker lists.
type KeywordDetector struct{}

func NewKeywordDetector() *KeywordDetector { return &KeywordDetector{} }

func (d *KeywordDetector) Name() string    { return "keyword" }
func (d *KeywordDetector) Weight() float64 { return 0.20 }

func (d *KeywordDetector) Run(ctx context.Context, in Input) (Result, error) {
	if in.Fetch == nil || len(in.Fetch.RawBody) == 0 {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "no body"}, nil
	}

	text := strings.ToLower(stripper.Sanitize(string(in.Fetch.RawBody)))

	unavailCount := countMatches(text, unavailableMarkers)
	availCount := countMatches(text, availableMarkers)

	switch {
	case unavailCount > 0 && availCount == 0:
		conf := capConfidence(0.6 + 0.1*float64(unavailCount))
		return Result{
			Detector:   d.Name(),
			Verdict:    store.VerdictUnavailable,
			Confidence: conf,
			Evidence:   fmt.Sprintf("%d unavailable marker(s)", unavailCount),
		}, nil
	case availCount > 0 && unavailCount == 0:
		conf := capConfidence(0.6 + 0.1*float64(availCount))
		return Result{
			Detector:   d.Name(),
			Verdict:    store.VerdictAvailable,
			Confidence: conf,
			Evidence:   fmt.Sprintf("%d available marker(s)", availCount),
		}, nil
	case availCount > 0 && unavailCount > 0:
		return Result{
			Detector:   d.Name(),
			Verdict:    store.VerdictInconclusive,
			Confidence: 0.3,
			Evidence:   "both available and unavailable markers present",
		}, nil
	default:
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Confidence: 0, Evidence: "no markers matched"}, nil
	}
}

func countMatches(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(text, m) {
			n++
		}
	}
	return n
}

func capConfidence(c float64) float64 {
	if c > 0.9 {
		return 0.9
	}
	return c
}
