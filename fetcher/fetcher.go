// Package fetcher implements the two-strategy acquisition path: a
// cloud-challenge-aware HTTP GET first, escalating to a headless
// browser render only when the HTTP response looks insufficient.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// ErrorKind classifies a failed fetch for the retry policy in scheduler.
type ErrorKind string

const (
	ErrDNS         ErrorKind = "dns"
	ErrConnect     ErrorKind = "connect"
	ErrTLS         ErrorKind = "tls"
	ErrTimeout     ErrorKind = "timeout"
	ErrBlocked     ErrorKind = "blocked"
	ErrServerError ErrorKind = "server_error"
	ErrDecode      ErrorKind = "decode"
)

// Result is the outcome of acquiring one page.
type Result struct {
	FinalURL     string
	HTTPStatus   int
	Headers      http.Header
	RawBody      []byte
	RenderedBody []byte
	LatencyMs    int64
	ErrorKind    ErrorKind
	BodyHash     string
}

var challengeMarkers = []string{
	"checking your browser",
	"cf-challenge",
	"cf-browser-verification",
	"ddos protection by",
	"please enable javascript and reload",
	"attention required! | cloudflare",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// Fetcher acquires pages via HTTP, escalating to a headless browser
// pool when the HTTP response is insufficient.
type Fetcher struct {
	client      *http.Client
	politeness  *Politeness
	browsers    *BrowserPool
	enableRender bool
	uaIndex     int
	logger      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }
func WithLogger(l *slog.Logger) Option     { return func(f *Fetcher) { f.logger = l } }
func WithBrowserPool(p *BrowserPool) Option {
	return func(f *Fetcher) {
		f.browsers = p
		f.enableRender = p != nil
	}
}

// New constructs a Fetcher. minHostDelay is the per-host politeness
// interval; fetchTimeout bounds every individual HTTP/browser attempt.
func New(minHostDelay, fetchTimeout time.Duration, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: fetchTimeout},
		politeness: NewPoliteness(minHostDelay),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch performs the two-strategy acquisition for rawURL, first blocking
// until the host's politeness slot is free: no other fetch of the same
// host in flight, and the per-host minimum delay elapsed since the
// previous fetch of that host completed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetcher: parse url: %w", err)
	}

	if err := f.politeness.Wait(ctx, u.Host); err != nil {
		return nil, fmt.Errorf("fetcher: politeness wait: %w", err)
	}
	defer f.politeness.Done(u.Host)

	start := time.Now()
	res, err := f.fetchHTTP(ctx, rawURL)
	if err != nil {
		// res still carries ErrorKind even on failure so callers (the
		// scheduler's retry policy) can classify without re-parsing err.
		return res, err
	}
	res.LatencyMs = time.Since(start).Milliseconds()

	if f.enableRender && !isSufficient(res) {
		rendered, rerr := f.browsers.Render(ctx, rawURL)
		if rerr == nil && len(rendered) > 0 {
			res.RenderedBody = rendered
		} else if rerr != nil {
			f.logger.Warn("fetcher: render escalation failed", "url", rawURL, "error", rerr)
		}
	}

	return res, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.nextUA())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return &Result{ErrorKind: classifyDialError(err)}, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &Result{HTTPStatus: resp.StatusCode, ErrorKind: ErrDecode}, fmt.Errorf("fetcher: read body: %w", err)
	}
	body = toUTF8(body, resp.Header.Get("Content-Type"))

	res := &Result{
		FinalURL:   resp.Request.URL.String(),
		HTTPStatus: resp.StatusCode,
		Headers:    resp.Header,
		RawBody:    body,
		BodyHash:   hashBody(body),
	}

	if (resp.StatusCode == 403 || resp.StatusCode == 503) && looksChallenged(body) {
		res.ErrorKind = ErrBlocked
	} else if resp.StatusCode >= 500 {
		res.ErrorKind = ErrServerError
	}

	return res, nil
}

// toUTF8 transcodes body to UTF-8 when the response declares (or the
// HTML sniffs to) a non-UTF8 charset, so detectors and the keyword
// scanner never have to reason about source encoding. Vendor pages
// outside the US/EU market commonly serve GBK, Shift-JIS or
// windows-1251 with an accurate Content-Type or <meta charset> tag;
// DetermineEncoding handles both cases via its BOM/meta/declared-type
// sniffing and falls back to a no-op identity encoding when certain
// enough it's already UTF-8. An undeclared body that is not valid UTF-8
// is decoded as windows-1252, DetermineEncoding's last-resort guess.
func toUTF8(body []byte, contentType string) []byte {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || enc == encoding.Nop {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

func (f *Fetcher) nextUA() string {
	ua := userAgents[f.uaIndex%len(userAgents)]
	f.uaIndex++
	return ua
}

func classifyDialError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNS
	}
	if strings.Contains(err.Error(), "tls") || strings.Contains(err.Error(), "x509") {
		return ErrTLS
	}
	return ErrConnect
}

func looksChallenged(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isSufficient decides whether the HTTP body alone is enough to run
// detectors against, or whether a rendered escalation is warranted.
func isSufficient(res *Result) bool {
	if res.ErrorKind == ErrBlocked {
		return false
	}
	if len(res.RawBody) < 512 {
		return false
	}
	if looksChallenged(res.RawBody) {
		return false
	}
	lower := strings.ToLower(string(res.RawBody))
	spaShells := []string{
		`<div id="root"></div>`,
		`<div id="app"></div>`,
		`<div id="__next"></div>`,
		"enable javascript to run this app",
	}
	for _, shell := range spaShells {
		if strings.Contains(lower, shell) {
			return false
		}
	}
	return true
}

func hashBody(body []byte) string {
	h := sha256.Sum256(body)
	return fmt.Sprintf("%x", h[:16])
}
