// CLAUDE:SUMMARY Reconcile phase of a refresh cycle: outcome recording, classify, dedup batch, grouped upserts, report.
// CLAUDE:DEPENDS source, dedup, classify, store, observability
// CLAUDE:EXPORTS Pipeline, Report, Config
// Package pipeline turns the fetch results of one refresh cycle into store
// writes.
//
// RecordOutcomes updates source health from every result. Reconcile
// classifies the candidates of successful results, resolves them through
// one dedup batch, and upserts the accepted ones grouped by canonical URL.
// Groups run in parallel, writes inside a group run in order.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/newsagg/aggregator/internal/classify"
	"github.com/hazyhaar/newsagg/aggregator/internal/dedup"
	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
	"github.com/hazyhaar/newsagg/idgen"
	"github.com/hazyhaar/newsagg/observability"
)

// Config tunes reconciliation.
type Config struct {
	// WriteConcurrency bounds the URL groups written in parallel. Default: 8.
	WriteConcurrency int
	// AllowedLanguages drops candidates in other languages. Empty allows all.
	AllowedLanguages []string
	// MaxConsecutiveFailures auto-disables a source. Default: 5.
	MaxConsecutiveFailures int
}

func (c *Config) defaults() {
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 8
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
}

// SourceFailure describes one failed fetch in a report.
type SourceFailure struct {
	Kind         string `json:"kind"`
	StatusCode   int    `json:"status_code,omitempty"`
	Message      string `json:"message"`
	AutoDisabled bool   `json:"auto_disabled,omitempty"`
}

// Report summarizes one refresh cycle.
type Report struct {
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Sources       int                      `json:"sources"`
	SourcesOK     int                      `json:"sources_ok"`
	NotModified   int                      `json:"not_modified"`
	SourcesFailed int                      `json:"sources_failed"`
	Failures      map[string]SourceFailure `json:"failures,omitempty"`

	Candidates int `json:"candidates"`
	Malformed  int `json:"malformed"`
	Blocked    int `json:"blocked"`
	Filtered   int `json:"filtered"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`

	// NeedsInvalidation is set when the cycle changed stored articles.
	NeedsInvalidation bool `json:"needs_invalidation"`
}

// NewReport starts a report for a cycle.
func NewReport(cycleID string, started time.Time) *Report {
	return &Report{CycleID: cycleID, StartedAt: started, Failures: map[string]SourceFailure{}}
}

// AllFailed reports whether every fetched source failed.
func (r *Report) AllFailed() bool {
	return r.Sources > 0 && r.SourcesFailed == r.Sources
}

// Pipeline runs the reconcile phase.
type Pipeline struct {
	store      *store.Store
	resolver   *dedup.Resolver
	classifier *classify.Classifier
	cfg        Config
	allowed    map[string]bool
	events     *observability.EventLogger
	metrics    observability.Recorder
	logger     *slog.Logger
	now        func() time.Time
	newID      idgen.Generator
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEvents records source lifecycle events.
func WithEvents(e *observability.EventLogger) Option { return func(p *Pipeline) { p.events = e } }

// WithMetrics records cycle metrics.
func WithMetrics(r observability.Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.metrics = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithIDGenerator sets the fetch log id generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(p *Pipeline) { p.newID = gen } }

// New creates a Pipeline.
func New(st *store.Store, resolver *dedup.Resolver, classifier *classify.Classifier, cfg Config, opts ...Option) *Pipeline {
	cfg.defaults()
	p := &Pipeline{
		store:      st,
		resolver:   resolver,
		classifier: classifier,
		cfg:        cfg,
		metrics:    observability.Discard,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      idgen.Prefixed("flg_", idgen.Default),
	}
	if len(cfg.AllowedLanguages) > 0 {
		p.allowed = make(map[string]bool, len(cfg.AllowedLanguages))
		for _, l := range cfg.AllowedLanguages {
			p.allowed[l] = true
		}
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RecordOutcomes writes per-source health and fetch log rows for results
// and fills the source counters of rep.
func (p *Pipeline) RecordOutcomes(ctx context.Context, rep *Report, results []*source.Result) {
	for _, r := range results {
		at := p.now().UnixMilli()
		entry := &store.FetchLogEntry{
			ID:         p.newID(),
			CycleID:    rep.CycleID,
			Source:     r.Source,
			Candidates: len(r.Candidates),
			Malformed:  r.Malformed,
			DurationMs: r.Duration.Milliseconds(),
			FetchedAt:  at,
		}
		rep.Sources++
		p.metrics.Record(&observability.Metric{
			Name: observability.MetricFetchDurationMs, Timestamp: p.now(),
			Value: float64(r.Duration.Milliseconds()), Unit: "milliseconds",
			Labels: map[string]string{"source": r.Source},
		})

		if r.OK() {
			entry.Status = "ok"
			if r.NotModified {
				entry.Status = "not_modified"
				rep.NotModified++
			}
			rep.SourcesOK++
			if err := p.store.RecordFetchSuccess(ctx, r.Source, r.ETag, r.LastModified, at); err != nil {
				p.logger.Warn("pipeline: record success", "source", r.Source, "error", err)
			}
		} else {
			entry.Status = "error"
			entry.ErrorKind = string(r.Err.Kind)
			entry.StatusCode = r.Err.StatusCode
			entry.ErrorMessage = r.Err.Error()
			rep.SourcesFailed++

			disabled, err := p.store.RecordFetchFailure(ctx, r.Source, string(r.Err.Kind), r.Err.Error(),
				r.Err.StatusCode, at, p.cfg.MaxConsecutiveFailures)
			if err != nil {
				p.logger.Warn("pipeline: record failure", "source", r.Source, "error", err)
			}
			rep.Failures[r.Source] = SourceFailure{
				Kind: string(r.Err.Kind), StatusCode: r.Err.StatusCode,
				Message: r.Err.Error(), AutoDisabled: disabled,
			}
			p.logger.Warn("pipeline: fetch failed", "source", r.Source, "kind", r.Err.Kind,
				"status", r.Err.StatusCode, "error", r.Err.Err)
			if disabled {
				p.logger.Warn("pipeline: source auto-disabled", "source", r.Source,
					"threshold", p.cfg.MaxConsecutiveFailures)
				if p.events != nil {
					p.events.Log(ctx, r.Source, observability.EventAutoDisabled, r.Err.Error())
				}
			}
		}
		if err := p.store.InsertFetchLog(ctx, entry); err != nil {
			p.logger.Warn("pipeline: fetch log", "source", r.Source, "error", err)
		}
	}
	p.metrics.Record(&observability.Metric{
		Name: observability.MetricSourcesFailed, Timestamp: p.now(),
		Value: float64(rep.SourcesFailed), Unit: "count",
	})
}

// write is one accepted candidate bound for the store.
type write struct {
	cand    source.Candidate
	tags    classify.Tags
	article *store.Article
}

// Reconcile resolves and stores the candidates of successful results and
// fills the article counters of rep. Results are processed in source name
// order so the batch is deterministic for a given set of results.
func (p *Pipeline) Reconcile(ctx context.Context, rep *Report, results []*source.Result) error {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b *source.Result) int {
		switch {
		case a.Source < b.Source:
			return -1
		case a.Source > b.Source:
			return 1
		}
		return 0
	})

	batch := p.resolver.NewBatch()
	var groups [][]*write
	index := map[string]int{}

	for _, r := range ordered {
		rep.Malformed += r.Malformed
		rep.Blocked += r.Blocked
		if !r.OK() {
			continue
		}
		for _, c := range r.Candidates {
			rep.Candidates++
			tags := p.classifier.Classify(classify.Input{
				Title: c.Title, Body: c.Body, Source: c.Source,
				CategoryHint: c.CategoryHint, LanguageHint: c.LanguageHint,
			})
			if p.allowed != nil && !p.allowed[tags.Language] {
				rep.Filtered++
				continue
			}
			res, err := batch.Resolve(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("pipeline: resolve", "source", c.Source, "url", c.URL, "error", err)
				rep.Dropped++
				continue
			}
			if res.Decision == dedup.Duplicate {
				rep.Duplicates++
				continue
			}
			w := &write{cand: c, tags: tags, article: p.article(c, tags, res)}
			i, ok := index[c.URL]
			if !ok {
				i = len(groups)
				index[c.URL] = i
				groups = append(groups, nil)
			}
			groups[i] = append(groups[i], w)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(max(len(groups), 1), p.cfg.WriteConcurrency))
	for _, group := range groups {
		g.Go(func() error {
			for _, w := range group {
				outcome, ok := p.upsert(gctx, w)
				mu.Lock()
				switch {
				case !ok:
					rep.Dropped++
				case outcome == store.Inserted:
					rep.New++
				case outcome == store.Updated:
					rep.Updated++
				default:
					rep.Duplicates++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	rep.NeedsInvalidation = rep.New+rep.Updated > 0
	now := p.now()
	for name, v := range map[string]int{
		observability.MetricArticlesNew:     rep.New,
		observability.MetricArticlesUpdated: rep.Updated,
		observability.MetricArticlesDup:     rep.Duplicates,
		observability.MetricItemsMalformed:  rep.Malformed,
		observability.MetricWritesDropped:   rep.Dropped,
	} {
		p.metrics.Record(&observability.Metric{Name: name, Timestamp: now, Value: float64(v), Unit: "count"})
	}
	return ctx.Err()
}

func (p *Pipeline) article(c source.Candidate, tags classify.Tags, res dedup.Resolution) *store.Article {
	return &store.Article{
		ID:          res.ID,
		Source:      c.Source,
		URL:         c.URL,
		Title:       c.Title,
		Body:        c.Body,
		Author:      c.Author,
		PublishedAt: c.PublishedAt.UnixMilli(),
		FetchedAt:   c.FetchedAt.UnixMilli(),
		UpdatedAt:   p.now().UnixMilli(),
		Category:    tags.Category,
		Language:    tags.Language,
		ContentHash: res.ContentHash,
	}
}

// upsert writes one article. A conflict is re-resolved once against the
// current store state and retried; a second failure drops the write.
func (p *Pipeline) upsert(ctx context.Context, w *write) (store.UpsertOutcome, bool) {
	res, err := p.store.Upsert(ctx, w.article)
	if err == nil {
		return res.Outcome, true
	}
	if !errors.Is(err, store.ErrConflict) {
		p.logger.Warn("pipeline: write dropped", "source", w.cand.Source, "url", w.cand.URL, "error", err)
		return 0, false
	}

	again, rerr := p.resolver.Resolve(ctx, w.cand)
	if rerr != nil {
		p.logger.Warn("pipeline: write dropped", "source", w.cand.Source, "url", w.cand.URL, "error", rerr)
		return 0, false
	}
	if again.Decision == dedup.Duplicate {
		return store.Unchanged, true
	}
	w.article = p.article(w.cand, w.tags, again)
	res, err = p.store.Upsert(ctx, w.article)
	if err != nil {
		p.logger.Warn("pipeline: write dropped after retry", "source", w.cand.Source, "url", w.cand.URL, "error", err)
		return 0, false
	}
	return res.Outcome, true
}
