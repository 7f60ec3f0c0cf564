package catalog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kure29/vpsmonitor/config"
)

// trackingParams are stripped during canonicalisation. Extend as vendors
// adopt new tracking schemes.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
}

// Canonicalise lower-cases scheme and host, strips tracking query
// params, normalises a trailing slash on a bare path, and re-assembles
// the URL with query params sorted for determinism. Idempotent:
// Canonicalise(Canonicalise(u)) == Canonicalise(u).
func Canonicalise(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("catalog: canonicalise: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("catalog: canonicalise: missing scheme or host in %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	q := u.Query()
	for key := range q {
		if trackingParams[strings.ToLower(key)] {
			q.Del(key)
		}
	}
	// Values.Encode sorts by key, so re-assembling here keeps
	// canonicalisation deterministic regardless of input order.
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// InferVendorTag suffix-matches host against the configured vendor
// registry. Returns "" if no rule matches.
func InferVendorTag(canonicalURL string, vendors []config.VendorRule) string {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return ""
	}
	host := u.Host
	for _, v := range vendors {
		if strings.HasSuffix(host, v.HostSuffix) {
			return v.Tag
		}
	}
	return ""
}
