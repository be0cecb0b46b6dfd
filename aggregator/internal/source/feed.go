package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hazyhaar/newsagg/aggregator/internal/fetch"
)

// feedProbePaths are tried on the endpoint origin when an HTML page
// carries no feed link.
var feedProbePaths = []string{"/feed", "/rss", "/rss.xml", "/atom.xml"}

// FeedAdapter reads RSS, Atom and JSON Feed endpoints. When the endpoint
// serves HTML it discovers the feed through <link rel="alternate"> and the
// usual feed paths.
type FeedAdapter struct {
	fetcher *fetch.Fetcher
}

// NewFeedAdapter returns a feed adapter using f for HTTP.
func NewFeedAdapter(f *fetch.Fetcher) *FeedAdapter {
	return &FeedAdapter{fetcher: f}
}

// Fetch implements Adapter.
func (a *FeedAdapter) Fetch(ctx context.Context, d Descriptor) (*Page, error) {
	res, err := a.fetcher.Fetch(ctx, d.Endpoint, d.ETag, d.LastModified)
	if err != nil {
		return nil, err
	}
	if res.NotModified {
		return &Page{BaseURL: res.FinalURL, ETag: res.ETag, LastModified: res.LastMod, NotModified: true}, nil
	}

	feed, perr := gofeed.NewParser().Parse(bytes.NewReader(res.Body))
	if perr == nil {
		page := feedPage(feed, res.FinalURL)
		page.ETag, page.LastModified = res.ETag, res.LastMod
		return page, nil
	}
	if !looksLikeHTML(res.ContentType, res.Body) {
		return nil, ParseError(fmt.Errorf("feed: %w", perr))
	}

	for _, u := range discoverFeeds(res.FinalURL, res.Body) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		alt, err := a.fetcher.Get(ctx, u)
		if err != nil {
			continue
		}
		if feed, err := gofeed.NewParser().Parse(bytes.NewReader(alt.Body)); err == nil {
			return feedPage(feed, alt.FinalURL), nil
		}
	}
	return nil, ParseError(errors.New("feed: endpoint serves HTML and no feed was discovered"))
}

func feedPage(feed *gofeed.Feed, fetchedURL string) *Page {
	base := fetchedURL
	if feed.Link != "" {
		if u, err := url.Parse(feed.Link); err == nil && u.IsAbs() {
			base = feed.Link
		}
	}
	page := &Page{BaseURL: base, Items: make([]Item, 0, len(feed.Items))}
	for _, it := range feed.Items {
		item := Item{
			Link:    it.Link,
			GUID:    it.GUID,
			Title:   it.Title,
			Summary: it.Description,
			Content: it.Content,
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			item.Author = it.Authors[0].Name
		}
		switch {
		case it.PublishedParsed != nil:
			item.PublishedAt = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			item.PublishedAt = *it.UpdatedParsed
		}
		page.Items = append(page.Items, item)
	}
	return page
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") && !strings.Contains(strings.ToLower(contentType), "xhtml+xml") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// discoverFeeds lists feed URLs advertised by an HTML page, followed by
// the probe paths on its origin. Duplicates are removed.
func discoverFeeds(pageURL string, body []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
		doc.Find(`link[rel="alternate"][href]`).Each(func(_ int, s *goquery.Selection) {
			typ := strings.ToLower(s.AttrOr("type", ""))
			if !strings.Contains(typ, "rss") && !strings.Contains(typ, "atom") && !strings.Contains(typ, "json") {
				return
			}
			if ref, err := url.Parse(strings.TrimSpace(s.AttrOr("href", ""))); err == nil {
				add(base.ResolveReference(ref).String())
			}
		})
	}

	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}
	for _, p := range feedProbePaths {
		add(origin.JoinPath(p).String())
	}
	return out
}
