package source

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/newsagg/aggregator/internal/fetch"
	"github.com/hazyhaar/newsagg/connectivity"
)

// EnrichConfig controls short-summary enrichment.
type EnrichConfig struct {
	MinBodyRunes int // Bodies shorter than this are enriched. Default: 40. Negative disables.
	MaxPerSource int // Article pages fetched per source fetch. Default: 10.
}

func (c *EnrichConfig) defaults() {
	if c.MinBodyRunes == 0 {
		c.MinBodyRunes = 40
	}
	if c.MaxPerSource <= 0 {
		c.MaxPerSource = 10
	}
}

// Enricher fills short candidate bodies from the article page: meta
// description, og:description, then the first long paragraph of the
// article or main element. Hosts that keep failing are skipped through a
// per-host circuit breaker.
type Enricher struct {
	cfg      EnrichConfig
	fetcher  *fetch.Fetcher
	norm     *Normalizer
	breakers *connectivity.HostBreakers
	logger   *slog.Logger
}

// NewEnricher returns an enricher. A nil breakers set gets a default one.
func NewEnricher(cfg EnrichConfig, f *fetch.Fetcher, norm *Normalizer, breakers *connectivity.HostBreakers, logger *slog.Logger) *Enricher {
	cfg.defaults()
	if breakers == nil {
		breakers = connectivity.NewHostBreakers()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{cfg: cfg, fetcher: f, norm: norm, breakers: breakers, logger: logger}
}

// Enrich replaces short bodies in place and returns the number enriched.
// Failures leave the candidate unchanged.
func (e *Enricher) Enrich(ctx context.Context, cands []Candidate) int {
	if e.cfg.MinBodyRunes < 0 {
		return 0
	}
	var tried, enriched int
	for i := range cands {
		c := &cands[i]
		if utf8.RuneCountInString(c.Body) >= e.cfg.MinBodyRunes {
			continue
		}
		if tried >= e.cfg.MaxPerSource || ctx.Err() != nil {
			break
		}
		if err := e.fetcher.Allowed(ctx, c.URL); err != nil {
			e.logger.Debug("enrich: skipped", "source", c.Source, "url", c.URL, "error", err)
			continue
		}
		cb := e.breakers.For(c.URL)
		if !cb.Allow() {
			continue
		}
		tried++
		text, err := e.pageSummary(ctx, c.URL)
		cb.Record(err)
		if err != nil {
			e.logger.Debug("enrich: fetch failed", "source", c.Source, "url", c.URL, "error", err)
			continue
		}
		if utf8.RuneCountInString(text) > utf8.RuneCountInString(c.Body) {
			c.Body = e.norm.Truncate(text)
			enriched++
		}
	}
	return enriched
}

func (e *Enricher) pageSummary(ctx context.Context, pageURL string) (string, error) {
	res, err := e.fetcher.Get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	r, err := charset.NewReader(bytes.NewReader(res.Body), res.ContentType)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}
	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`, `meta[name="twitter:description"]`} {
		if v := e.norm.Text(doc.Find(sel).First().AttrOr("content", "")); utf8.RuneCountInString(v) >= e.cfg.MinBodyRunes {
			return v, nil
		}
	}
	var text string
	doc.Find("article p, main p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v := e.norm.Text(strings.TrimSpace(s.Text())); utf8.RuneCountInString(v) >= e.cfg.MinBodyRunes {
			text = v
			return false
		}
		return true
	})
	return text, nil
}
