package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// BrowserPool leases headless Chrome pages out of a bounded pool,
// sized by maxBrowsers. Grounded on domwatch/internal/browser.Manager's
// launch/lease lifecycle, trimmed to the single operation this domain
// needs: render a URL and return its body.
type BrowserPool struct {
	sem     chan struct{}
	browser *rod.Browser
	lnch    *launcher.Launcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewBrowserPool launches a local headless Chrome and returns a pool
// that leases at most maxBrowsers concurrent pages against it.
func NewBrowserPool(maxBrowsers int, pageTimeout time.Duration) (*BrowserPool, error) {
	if maxBrowsers <= 0 {
		maxBrowsers = 2
	}
	if pageTimeout <= 0 {
		pageTimeout = 30 * time.Second
	}

	l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("fetcher: launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("fetcher: connect chrome: %w", err)
	}

	return &BrowserPool{
		sem:     make(chan struct{}, maxBrowsers),
		browser: b,
		lnch:    l,
		timeout: pageTimeout,
		logger:  slog.Default(),
	}, nil
}

// Render leases a page, navigates to rawURL with stealth patching
// applied, and returns the rendered HTML body.
func (p *BrowserPool) Render(ctx context.Context, rawURL string) ([]byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	renderCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	page, err := stealth.Page(p.browser)
	if err != nil {
		return nil, fmt.Errorf("fetcher: stealth page: %w", err)
	}
	defer page.Close()

	page = page.Context(renderCtx)
	if err := page.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("fetcher: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("fetcher: wait load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("fetcher: extract html: %w", err)
	}
	return []byte(html), nil
}

// Close tears down the pooled browser.
func (p *BrowserPool) Close() error {
	if p.browser != nil {
		p.browser.Close()
	}
	if p.lnch != nil {
		p.lnch.Cleanup()
	}
	return nil
}
