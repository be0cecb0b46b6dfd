package source

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// NormalizeConfig controls candidate normalization.
type NormalizeConfig struct {
	MaxBodyRunes    int      // Default: 2000.
	MaxItems        int      // Per source. Default: 1000.
	BlockedDomains  []string // Exact domains, subdomains included.
	BlockedPatterns []string // Regular expressions matched against the host.
}

func (c *NormalizeConfig) defaults() {
	if c.MaxBodyRunes <= 0 {
		c.MaxBodyRunes = 2000
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 1000
	}
}

// Normalizer turns raw adapter items into candidates.
// Safe for concurrent use.
type Normalizer struct {
	cfg      NormalizeConfig
	blocked  map[string]bool
	patterns []*regexp.Regexp
	policy   *bluemonday.Policy
	md       *converter.Converter
}

// NewNormalizer compiles cfg. An invalid blocked pattern is an error.
func NewNormalizer(cfg NormalizeConfig) (*Normalizer, error) {
	cfg.defaults()
	n := &Normalizer{
		cfg:     cfg,
		blocked: make(map[string]bool, len(cfg.BlockedDomains)),
		policy:  bluemonday.StrictPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	n.policy.AddSpaceWhenStrippingTag(true)
	for _, d := range cfg.BlockedDomains {
		n.blocked[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")] = true
	}
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("source: blocked pattern %q: %w", p, err)
		}
		n.patterns = append(n.patterns, re)
	}
	return n, nil
}

// Stats counts the items dropped by Normalize.
type Stats struct {
	Malformed int
	Blocked   int
	Capped    int
}

// Normalize converts items into candidates for d, in page order. Items
// without a resolvable URL, or without both title and body, are counted as
// malformed. Items sharing a canonical URL are all kept; the batch
// resolver decides between update and duplicate.
func (n *Normalizer) Normalize(d Descriptor, page *Page, fetchedAt time.Time) ([]Candidate, Stats) {
	var st Stats
	baseURL := page.BaseURL
	if baseURL == "" {
		baseURL = d.Endpoint
	}
	sourceHost := hostOf(d.Endpoint)
	if n.IsBlocked(sourceHost) {
		st.Blocked = len(page.Items)
		return nil, st
	}

	out := make([]Candidate, 0, min(len(page.Items), n.cfg.MaxItems))
	for _, it := range page.Items {
		link := it.Link
		if link == "" && looksLikeURL(it.GUID) {
			link = it.GUID
		}
		canon, err := CanonicalURL(link, baseURL)
		if err != nil {
			st.Malformed++
			continue
		}
		title := n.Text(it.Title)
		body := n.body(it, canon)
		if title == "" && body == "" {
			st.Malformed++
			continue
		}
		if h := hostOf(canon); h != sourceHost && n.IsBlocked(h) {
			st.Blocked++
			continue
		}
		if len(out) >= n.cfg.MaxItems {
			st.Capped++
			continue
		}

		pub := it.PublishedAt
		if pub.IsZero() || pub.After(fetchedAt.Add(24*time.Hour)) {
			pub = fetchedAt
		}
		out = append(out, Candidate{
			Source:       d.Name,
			URL:          canon,
			Title:        title,
			Body:         body,
			Author:       n.Text(it.Author),
			PublishedAt:  pub.UTC(),
			FetchedAt:    fetchedAt.UTC(),
			CategoryHint: d.CategoryHint,
			LanguageHint: d.LanguageHint,
		})
	}
	return out, st
}

func (n *Normalizer) body(it Item, pageURL string) string {
	summary := n.Text(it.Summary)
	if it.Content != "" {
		if text := n.Text(it.Content); utf8.RuneCountInString(text) > utf8.RuneCountInString(summary) {
			if md := n.Markdown(it.Content, pageURL); md != "" {
				return n.Truncate(md)
			}
			return n.Truncate(text)
		}
	}
	return n.Truncate(summary)
}

// Text strips all markup from s, decodes entities and collapses whitespace.
func (n *Normalizer) Text(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = html.UnescapeString(n.policy.Sanitize(s))
	}
	return strings.Join(strings.Fields(s), " ")
}

// Markdown converts an HTML fragment to Markdown, resolving links against
// pageURL. Returns "" when conversion fails.
func (n *Normalizer) Markdown(fragment, pageURL string) string {
	out, err := n.md.ConvertString(fragment, converter.WithDomain(pageURL))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Truncate cuts s to the configured rune budget on a word boundary when
// one exists in the last fifth of the budget.
func (n *Normalizer) Truncate(s string) string {
	limit := n.cfg.MaxBodyRunes
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)[:limit]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, " \n"); i > 0 && utf8.RuneCountInString(cut[:i]) >= limit*4/5 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// IsBlocked reports whether host is on the blocked list, directly, as a
// subdomain of a blocked domain, or through a blocked pattern.
func (n *Normalizer) IsBlocked(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if host == "" {
		return false
	}
	for h := host; h != ""; {
		if n.blocked[h] {
			return true
		}
		_, rest, ok := strings.Cut(h, ".")
		if !ok {
			break
		}
		h = rest
	}
	for _, re := range n.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

var errNoURL = errors.New("source: empty url")

var trackingParams = map[string]bool{"fbclid": true, "gclid": true, "mc_cid": true, "mc_eid": true}

// CanonicalURL resolves raw against base and returns its canonical form.
// A scheme-less raw is relative to base when base is set, as in an HTML
// href; without base it defaults to https. The result has lowercase scheme
// and host, no default port, no fragment, no tracking parameters, sorted
// and deduplicated query parameters and no trailing slash. An http URL
// stays http.
func CanonicalURL(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errNoURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("source: parse url: %w", err)
	}
	if u.Scheme == "" {
		switch {
		case strings.HasPrefix(raw, "//"):
			u, err = url.Parse("https:" + raw)
		case base != "":
			var b *url.URL
			if b, err = url.Parse(base); err == nil {
				if b.Scheme == "" {
					b, err = url.Parse("https://" + base)
				}
				if err == nil {
					u = b.ResolveReference(u)
				}
			}
		default:
			u, err = url.Parse("https://" + raw)
		}
		if err != nil {
			return "", fmt.Errorf("source: parse url: %w", err)
		}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("source: unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("source: url %q has no host", raw)
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	if u.RawQuery != "" {
		q := u.Query()
		for k, vs := range q {
			if strings.HasPrefix(strings.ToLower(k), "utm_") || trackingParams[strings.ToLower(k)] {
				delete(q, k)
				continue
			}
			q[k] = dedupeSorted(vs)
		}
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false
	return u.String(), nil
}

func dedupeSorted(vs []string) []string {
	sort.Strings(vs)
	out := vs[:0]
	for i, v := range vs {
		if i == 0 || v != vs[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Host == "" && u.Scheme == "" {
		if u, err = url.Parse("https://" + raw); err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}
