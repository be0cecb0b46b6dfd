// Package dedup decides whether a normalized candidate is a new article,
// an update of a stored one, or a duplicate.
//
// Rules, in order:
//
//  1. same canonical URL as a stored article: Update when the content hash
//     differs, Duplicate otherwise;
//  2. same source and content hash as an article published within the
//     recency window: Duplicate;
//  3. optional near-duplicate: MinHash similarity at or above the
//     threshold with an article of the same source within the window:
//     Duplicate;
//  4. otherwise New, with an id derived from URL and content hash.
//
// A Batch applies the same rules to candidates of one reconcile pass,
// first-seen wins.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
)

// Decision is the outcome of a resolution.
type Decision int

const (
	New Decision = iota
	Update
	Duplicate
)

func (d Decision) String() string {
	switch d {
	case New:
		return "new"
	case Update:
		return "update"
	default:
		return "duplicate"
	}
}

// Rule names reported in Resolution.Rule.
const (
	RuleNone       = ""
	RuleURL        = "url"
	RuleSourceHash = "source_hash"
	RuleNearDup    = "near_dup"
)

// Resolution is the verdict for one candidate.
type Resolution struct {
	Decision    Decision
	ID          string
	ContentHash string
	Rule        string
	Existing    *store.Article // nil for New and for in-batch matches
}

// Lookup is the read side of the article store used by the resolver.
type Lookup interface {
	ArticleByURL(ctx context.Context, url string) (*store.Article, error)
	ArticleBySourceHash(ctx context.Context, source, hash string, from, to int64) (*store.Article, error)
	RecentBySource(ctx context.Context, source string, from, to int64, limit int) ([]*store.Article, error)
}

// Config tunes the resolver.
type Config struct {
	RecencyWindow    time.Duration `yaml:"recency_window"`
	NearDupThreshold float64       `yaml:"near_dup_threshold"` // 0 disables
	ShingleSize      int           `yaml:"shingle_size"`
	NearDupScan      int           `yaml:"near_dup_scan"` // stored articles compared per candidate
}

func (c *Config) defaults() {
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = 48 * time.Hour
	}
	if c.ShingleSize <= 0 {
		c.ShingleSize = 3
	}
	if c.NearDupScan <= 0 {
		c.NearDupScan = 200
	}
}

// Resolver resolves candidates against the store.
type Resolver struct {
	lookup Lookup
	cfg    Config
}

// NewResolver creates a Resolver reading from lookup.
func NewResolver(lookup Lookup, cfg Config) *Resolver {
	cfg.defaults()
	return &Resolver{lookup: lookup, cfg: cfg}
}

// Resolve applies the rules to one candidate against stored articles only.
func (r *Resolver) Resolve(ctx context.Context, c source.Candidate) (Resolution, error) {
	hash := ContentHash(c.Title, c.Body)
	if res, ok, err := r.byURL(ctx, c, hash); err != nil || ok {
		return res, err
	}
	if res, ok, err := r.bySourceHash(ctx, c, hash); err != nil || ok {
		return res, err
	}
	if res, ok, err := r.nearDup(ctx, c, hash, Sign(c.Title+" "+c.Body, r.cfg.ShingleSize)); err != nil || ok {
		return res, err
	}
	return newResolution(c, hash), nil
}

func newResolution(c source.Candidate, hash string) Resolution {
	return Resolution{Decision: New, ID: ArticleID(c.URL, hash), ContentHash: hash}
}

func (r *Resolver) window(c source.Candidate) (int64, int64) {
	pub := c.PublishedAt.UnixMilli()
	w := r.cfg.RecencyWindow.Milliseconds()
	return pub - w, pub + w
}

func (r *Resolver) byURL(ctx context.Context, c source.Candidate, hash string) (Resolution, bool, error) {
	a, err := r.lookup.ArticleByURL(ctx, c.URL)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("dedup: lookup url: %w", err)
	}
	if a == nil {
		return Resolution{}, false, nil
	}
	d := Update
	if a.ContentHash == hash {
		d = Duplicate
	}
	return Resolution{Decision: d, ID: a.ID, ContentHash: hash, Rule: RuleURL, Existing: a}, true, nil
}

func (r *Resolver) bySourceHash(ctx context.Context, c source.Candidate, hash string) (Resolution, bool, error) {
	from, to := r.window(c)
	a, err := r.lookup.ArticleBySourceHash(ctx, c.Source, hash, from, to)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("dedup: lookup hash: %w", err)
	}
	if a == nil {
		return Resolution{}, false, nil
	}
	return Resolution{Decision: Duplicate, ID: a.ID, ContentHash: hash, Rule: RuleSourceHash, Existing: a}, true, nil
}

func (r *Resolver) nearDup(ctx context.Context, c source.Candidate, hash string, sig Signature) (Resolution, bool, error) {
	if r.cfg.NearDupThreshold <= 0 || !hasWords(c.Title+" "+c.Body) {
		return Resolution{}, false, nil
	}
	from, to := r.window(c)
	recent, err := r.lookup.RecentBySource(ctx, c.Source, from, to, r.cfg.NearDupScan)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("dedup: recent articles: %w", err)
	}
	for _, a := range recent {
		if sig.Similarity(Sign(a.Title+" "+a.Body, r.cfg.ShingleSize)) >= r.cfg.NearDupThreshold {
			return Resolution{Decision: Duplicate, ID: a.ID, ContentHash: hash, Rule: RuleNearDup, Existing: a}, true, nil
		}
	}
	return Resolution{}, false, nil
}
