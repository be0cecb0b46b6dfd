// CLAUDE:SUMMARY HTTP conditional GET fetcher with ETag, If-Modified-Since and SSRF-checked redirects.
// Package fetch is the HTTP client shared by the source adapters, the
// enrichment step and the probe sweeper.
//
// Every URL, including each redirect hop, goes through the configured
// validator first. Conditional requests use ETag and Last-Modified; a
// non-2xx answer other than 304 comes back as *HTTPError with the Result
// still filled in so the status can be recorded.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/newsagg/horosafe"
)

const maxRedirects = 5

const acceptFeeds = "application/rss+xml, application/atom+xml, application/feed+json, application/json, text/html;q=0.9, */*;q=0.8"

// Result is one HTTP answer.
type Result struct {
	Body        []byte
	StatusCode  int
	ContentType string
	FinalURL    string // after redirects
	ETag        string
	LastMod     string
	NotModified bool // 304 to a conditional request
}

// HTTPError is a non-2xx, non-304 status.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("http %d", e.StatusCode) }

// Config configures a Fetcher. Zero fields take defaults.
type Config struct {
	// Timeout bounds a whole request. Source timeouts come from the
	// caller's context and are usually shorter. Default 30s.
	Timeout time.Duration
	// MaxBytes caps bodies. Default horosafe.MaxResponseBody.
	MaxBytes int64
	// UserAgent defaults to NewsAggregator/1.0.
	UserAgent string
	// URLValidator defaults to horosafe.ValidateURL.
	URLValidator func(string) error
	// Transport replaces http.DefaultTransport in tests.
	Transport http.RoundTripper
	// RespectRobots enables the robots.txt check of Allowed.
	RespectRobots bool
	// RobotsTTL is how long a robots.txt stays cached. Default 1h.
	RobotsTTL time.Duration
}

// Fetcher issues validated GET and HEAD requests.
type Fetcher struct {
	client   *http.Client
	ua       string
	maxBytes int64
	validate func(string) error
	robots   *robotsCache
}

// New returns a Fetcher for cfg.
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		ua:       cfg.UserAgent,
		maxBytes: cfg.MaxBytes,
		validate: cfg.URLValidator,
	}
	if f.ua == "" {
		f.ua = "NewsAggregator/1.0"
	}
	if f.maxBytes <= 0 {
		f.maxBytes = horosafe.MaxResponseBody
	}
	if f.validate == nil {
		f.validate = horosafe.ValidateURL
	}
	if cfg.RespectRobots {
		f.robots = newRobotsCache(cfg.RobotsTTL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f.client = &http.Client{
		Timeout:       timeout,
		Transport:     cfg.Transport,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	if err := f.validate(req.URL.String()); err != nil {
		return fmt.Errorf("redirect to %s refused: %w", req.URL.Host, err)
	}
	return nil
}

func (f *Fetcher) request(ctx context.Context, method, url string) (*http.Request, error) {
	if err := f.validate(url); err != nil {
		return nil, fmt.Errorf("url refused: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	return req, nil
}

// Get fetches url unconditionally.
func (f *Fetcher) Get(ctx context.Context, url string) (*Result, error) {
	return f.Fetch(ctx, url, "", "")
}

// Fetch fetches url, conditionally when etag or lastMod is set. On 304
// the validators sent are carried over when the server omits them.
func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastMod string) (*Result, error) {
	req, err := f.request(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptFeeds)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastMod != "" {
		req.Header.Set("If-Modified-Since", lastMod)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	res := &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		ETag:        resp.Header.Get("ETag"),
		LastMod:     resp.Header.Get("Last-Modified"),
	}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.NotModified = true
		res.ETag = firstNonEmpty(res.ETag, etag)
		res.LastMod = firstNonEmpty(res.LastMod, lastMod)
		return res, nil
	case resp.StatusCode/100 != 2:
		drain(resp.Body)
		return res, &HTTPError{StatusCode: resp.StatusCode}
	}

	if res.Body, err = horosafe.LimitedReadAll(resp.Body, f.maxBytes); err != nil {
		return res, fmt.Errorf("read body: %w", err)
	}
	return res, nil
}

// Probe returns the status of a HEAD request to url, retrying with GET
// when the server answers 405.
func (f *Fetcher) Probe(ctx context.Context, url string) (int, error) {
	code, err := f.status(ctx, http.MethodHead, url)
	if err == nil && code == http.StatusMethodNotAllowed {
		code, err = f.status(ctx, http.MethodGet, url)
	}
	return code, err
}

func (f *Fetcher) status(ctx context.Context, method, url string) (int, error) {
	req, err := f.request(ctx, method, url)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, req.URL.Host, err)
	}
	drain(resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// drain reads a little of an unused body so the connection can be reused.
func drain(r io.Reader) { io.Copy(io.Discard, io.LimitReader(r, 4<<10)) }

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
