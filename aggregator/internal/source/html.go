package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/newsagg/aggregator/internal/fetch"
)

// Selectors locate listing entries on an HTML page. They are read from the
// descriptor options ("item", "title", "link", "summary", "time").
type Selectors struct {
	Item    string
	Title   string
	Link    string
	Summary string
	Time    string
}

// SelectorsFrom returns the selectors configured in opts, with defaults
// for missing keys.
func SelectorsFrom(opts map[string]string) Selectors {
	s := Selectors{
		Item:    "article",
		Title:   "h1, h2, h3",
		Link:    "a[href]",
		Summary: "p",
		Time:    "time[datetime]",
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(opts[key]); v != "" {
			*dst = v
		}
	}
	set(&s.Item, "item")
	set(&s.Title, "title")
	set(&s.Link, "link")
	set(&s.Summary, "summary")
	set(&s.Time, "time")
	return s
}

// HTMLAdapter extracts entries from a static listing page.
type HTMLAdapter struct {
	fetcher *fetch.Fetcher
}

// NewHTMLAdapter returns an html adapter using f for HTTP.
func NewHTMLAdapter(f *fetch.Fetcher) *HTMLAdapter {
	return &HTMLAdapter{fetcher: f}
}

// Fetch implements Adapter.
func (a *HTMLAdapter) Fetch(ctx context.Context, d Descriptor) (*Page, error) {
	if err := a.fetcher.Allowed(ctx, d.Endpoint); err != nil {
		return nil, err
	}
	res, err := a.fetcher.Fetch(ctx, d.Endpoint, d.ETag, d.LastModified)
	if err != nil {
		return nil, err
	}
	if res.NotModified {
		return &Page{BaseURL: res.FinalURL, ETag: res.ETag, LastModified: res.LastMod, NotModified: true}, nil
	}

	r, err := charset.NewReader(bytes.NewReader(res.Body), res.ContentType)
	if err != nil {
		return nil, ParseError(fmt.Errorf("html: charset: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, ParseError(fmt.Errorf("html: %w", err))
	}
	page := &Page{
		BaseURL:      baseHref(doc, res.FinalURL),
		Items:        extractListing(doc, SelectorsFrom(d.Options)),
		ETag:         res.ETag,
		LastModified: res.LastMod,
	}
	return page, nil
}

// extractListing reads one item per sel.Item match. A document without
// any match yields no items rather than an error.
func extractListing(doc *goquery.Document, sel Selectors) []Item {
	var items []Item
	doc.Find(sel.Item).Each(func(_ int, s *goquery.Selection) {
		it := Item{}
		title := s.Find(sel.Title).First()
		it.Title = strings.TrimSpace(title.Text())

		switch {
		case goquery.NodeName(s) == "a":
			it.Link = s.AttrOr("href", "")
		case title.Find("a[href]").Length() > 0:
			it.Link = title.Find("a[href]").First().AttrOr("href", "")
		case goquery.NodeName(title.Parent()) == "a":
			it.Link = title.Parent().AttrOr("href", "")
		default:
			it.Link = s.Find(sel.Link).First().AttrOr("href", "")
		}

		it.Summary = strings.TrimSpace(s.Find(sel.Summary).First().Text())
		if ts := s.Find(sel.Time).First(); ts.Length() > 0 {
			raw := ts.AttrOr("datetime", strings.TrimSpace(ts.Text()))
			it.PublishedAt = parseTime(raw)
		}
		items = append(items, it)
	})
	return items
}

// baseHref returns the document's <base href> resolved against pageURL,
// or pageURL.
func baseHref(doc *goquery.Document, pageURL string) string {
	href := strings.TrimSpace(doc.Find("base[href]").First().AttrOr("href", ""))
	if href == "" {
		return pageURL
	}
	p, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	ref, err := url.Parse(href)
	if err != nil {
		return pageURL
	}
	return p.ResolveReference(ref).String()
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// parseTime accepts the date formats seen in <time datetime> attributes.
// Returns the zero time when none matches.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
