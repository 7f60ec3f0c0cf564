package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kure29/vpsmonitor/store"
)

var candidatePathPattern = regexp.MustCompile(`(?i)["'(](/[a-z0-9_\-./]*(?:api|stock|cart|product)[a-z0-9_\-./]*(?:\.json)?)["')]`)

var stockFieldNames = []string{"in_stock", "available", "stock"}

// ApiProbe (D3) discovers a candidate JSON stock endpoint on its first
// poll of an item (memoised on Item.APIEndpoint) and, on every poll
// thereafter, GETs that endpoint and interprets the JSON response.
// Grounded on veille/internal/apifetch's endpoint-probing pattern.
type ApiProbe struct {
	client *http.Client
}

func NewApiProbe(client *http.Client) *ApiProbe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ApiProbe{client: client}
}

func (d *ApiProbe) Name() string    { return "api" }
func (d *ApiProbe) Weight() float64 { return 0.35 }

func (d *ApiProbe) Run(ctx context.Context, in Input) (Result, error) {
	if in.Item == nil || in.Fetch == nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "missing item or fetch"}, nil
	}

	endpoint := in.Item.APIEndpoint
	if endpoint == "" {
		endpoint = discoverEndpoint(in.Fetch.FinalURL, in.Fetch.RawBody)
		if endpoint == "" {
			return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "no candidate endpoint discovered"}, nil
		}
		in.Item.APIEndpoint = endpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "bad endpoint url"}, nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "probe request failed"}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: fmt.Sprintf("probe http %d", resp.StatusCode)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "probe body unreadable"}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "probe body not json"}, nil
	}

	return interpretStockJSON(d.Name(), payload), nil
}

func interpretStockJSON(name string, payload map[string]any) Result {
	for _, field := range stockFieldNames {
		v, ok := payload[field]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			if val {
				return Result{Detector: name, Verdict: store.VerdictAvailable, Confidence: 0.9, Evidence: fmt.Sprintf("%s=true", field)}
			}
			return Result{Detector: name, Verdict: store.VerdictUnavailable, Confidence: 0.9, Evidence: fmt.Sprintf("%s=false", field)}
		case float64:
			if val > 0 {
				return Result{Detector: name, Verdict: store.VerdictAvailable, Confidence: 0.9, Evidence: fmt.Sprintf("%s=%v", field, val)}
			}
			return Result{Detector: name, Verdict: store.VerdictInconclusive, Confidence: 0.5, Evidence: fmt.Sprintf("%s=0", field)}
		}
	}
	return Result{Detector: name, Verdict: store.VerdictInconclusive, Confidence: 0.2, Evidence: "no recognised stock field"}
}

// discoverEndpoint scans the raw body for candidate API paths and
// resolves the highest-scoring one against the page's host.
func discoverEndpoint(pageURL string, body []byte) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	matches := candidatePathPattern.FindAllStringSubmatch(string(body), -1)
	if len(matches) == 0 {
		return ""
	}

	best := ""
	bestScore := -1
	seen := make(map[string]bool)
	for _, m := range matches {
		path := m[1]
		if seen[path] {
			continue
		}
		seen[path] = true
		score := scoreCandidatePath(path)
		if score > bestScore {
			bestScore = score
			best = path
		}
	}
	if best == "" {
		return ""
	}

	resolved, err := base.Parse(best)
	if err != nil {
		return ""
	}
	return resolved.String()
}

func scoreCandidatePath(path string) int {
	lower := strings.ToLower(path)
	score := 0
	if strings.Contains(lower, "stock") {
		score += 3
	}
	if strings.HasSuffix(lower, ".json") {
		score += 2
	}
	if strings.Contains(lower, "/api/") {
		score += 2
	}
	if strings.Contains(lower, "cart") {
		score++
	}
	if strings.Contains(lower, "product") {
		score++
	}
	return score
}
