package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// RenderedConfig configures the headless browser used by RenderedAdapter.
type RenderedConfig struct {
	// RemoteURL connects to an existing DevTools endpoint instead of
	// launching a local Chrome.
	RemoteURL string
	// URLValidator checks the endpoint before navigation.
	URLValidator func(string) error
	Logger       *slog.Logger
}

// RenderedAdapter extracts entries from listing pages that need script
// execution. The browser is launched on first use and shared by all
// rendered sources; each fetch gets its own stealth tab.
type RenderedAdapter struct {
	cfg     RenderedConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewRenderedAdapter returns a rendered adapter. No browser is started
// until the first Fetch.
func NewRenderedAdapter(cfg RenderedConfig) *RenderedAdapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RenderedAdapter{cfg: cfg}
}

// Fetch implements Adapter.
func (a *RenderedAdapter) Fetch(ctx context.Context, d Descriptor) (*Page, error) {
	if a.cfg.URLValidator != nil {
		if err := a.cfg.URLValidator(d.Endpoint); err != nil {
			return nil, fmt.Errorf("URL blocked (SSRF): %w", err)
		}
	}
	b, err := a.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("rendered: create tab: %w", err)
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate(d.Endpoint); err != nil {
		return nil, fmt.Errorf("rendered: navigate %s: %w", d.Endpoint, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		a.cfg.Logger.Warn("rendered: wait load", "source", d.Name, "error", err)
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("rendered: get DOM: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Value.Str()))
	if err != nil {
		return nil, ParseError(fmt.Errorf("rendered: %w", err))
	}

	finalURL := d.Endpoint
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	return &Page{
		BaseURL: baseHref(doc, finalURL),
		Items:   extractListing(doc, SelectorsFrom(d.Options)),
	}, nil
}

func (a *RenderedAdapter) ensureBrowser() (*rod.Browser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.browser != nil {
		return a.browser, nil
	}

	wsURL := a.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rendered: launch: %w", err)
		}
		wsURL = u
		a.lnch = l
		a.cfg.Logger.Info("rendered: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("rendered: connect: %w", err)
	}
	a.browser = b
	return b, nil
}

// Close shuts the browser down. Safe to call when none was started.
func (a *RenderedAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.browser != nil {
		err = a.browser.Close()
		a.browser = nil
	}
	if a.lnch != nil {
		a.lnch.Cleanup()
		a.lnch = nil
	}
	return err
}
