// CLAUDE:SUMMARY Service orchestrator: wires fetcher, adapters, dedup, classifier, pipeline, cache, scheduler and sweeper.
// CLAUDE:DEPENDS internal/{source,fetch,store,dedup,classify,pipeline,cache,scheduler,probe}, observability, connectivity, horosafe
// CLAUDE:EXPORTS Service, New, Option
package aggregator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/newsagg/aggregator/internal/cache"
	"github.com/hazyhaar/newsagg/aggregator/internal/classify"
	"github.com/hazyhaar/newsagg/aggregator/internal/dedup"
	"github.com/hazyhaar/newsagg/aggregator/internal/fetch"
	"github.com/hazyhaar/newsagg/aggregator/internal/pipeline"
	"github.com/hazyhaar/newsagg/aggregator/internal/probe"
	"github.com/hazyhaar/newsagg/aggregator/internal/scheduler"
	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
	"github.com/hazyhaar/newsagg/connectivity"
	"github.com/hazyhaar/newsagg/horosafe"
	"github.com/hazyhaar/newsagg/observability"
)

const recentFetches = 5

// loadTimeout bounds a cached read shared by concurrent callers.
const loadTimeout = 30 * time.Second

// Service is the news aggregator.
type Service struct {
	db        *sql.DB
	cfg       *Config
	logger    *slog.Logger
	store     *store.Store
	rendered  *source.RenderedAdapter
	scheduler *scheduler.Scheduler
	sweeper   *probe.Sweeper
	events    *observability.EventLogger
	metrics   *observability.MetricsManager
	breakers  *connectivity.HostBreakers

	articles   *cache.Cache[*Page]
	categories *cache.Cache[[]CategoryCount]

	stop      context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	transport http.RoundTripper
	adapters  map[string]source.Adapter
	rulesYAML []byte
}

// Option configures a Service during creation.
type Option func(*options)

// WithTransport sets the HTTP transport used for every fetch.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithAdapter registers an extra adapter kind, or replaces a built-in one.
func WithAdapter(kind string, a source.Adapter) Option {
	return func(o *options) {
		if o.adapters == nil {
			o.adapters = map[string]source.Adapter{}
		}
		o.adapters[kind] = a
	}
}

// WithRulesYAML sets the categorizer rules from YAML, overriding RulesPath.
func WithRulesYAML(data []byte) Option {
	return func(o *options) { o.rulesYAML = data }
}

// New creates a Service on db, applying the schemas it needs and syncing
// the configured sources into the store. A nil cfg uses DefaultConfig.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("aggregator: store schema: %w", err)
	}
	if err := observability.Init(db); err != nil {
		return nil, fmt.Errorf("aggregator: observability schema: %w", err)
	}

	rules, err := loadRules(cfg, o.rulesYAML)
	if err != nil {
		return nil, err
	}

	validator := horosafe.Validator(cfg.AllowPrivateHosts)
	f := fetch.New(fetch.Config{
		UserAgent:     cfg.UserAgent,
		URLValidator:  validator,
		Transport:     o.transport,
		RespectRobots: !cfg.IgnoreRobots,
	})
	norm, err := source.NewNormalizer(source.NormalizeConfig{
		MaxBodyRunes:    cfg.MaxBodyRunes,
		MaxItems:        cfg.MaxItemsPerSource,
		BlockedDomains:  cfg.BlockedDomains,
		BlockedPatterns: cfg.BlockedPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	breakers := connectivity.NewHostBreakers()
	enricher := source.NewEnricher(source.EnrichConfig{
		MinBodyRunes: cfg.Enrichment.MinBodyRunes,
		MaxPerSource: cfg.Enrichment.MaxPerSource,
	}, f, norm, breakers, logger)

	reg := source.NewRegistry(norm,
		source.WithDefaultTimeout(cfg.FetchTimeout),
		source.WithEnricher(enricher),
		source.WithLogger(logger),
	)
	reg.Register("feed", source.NewFeedAdapter(f), "rss", "atom", "json")
	reg.Register("html", source.NewHTMLAdapter(f))
	rendered := source.NewRenderedAdapter(source.RenderedConfig{
		RemoteURL:    cfg.Rendered.RemoteURL,
		URLValidator: validator,
		Logger:       logger,
	})
	reg.Register("rendered", rendered)
	for kind, a := range o.adapters {
		reg.Register(kind, a)
	}

	st := store.NewStore(db)
	events := observability.NewEventLogger(db, observability.WithEventLogger(logger))
	metrics := observability.NewMetricsManager(db, 100, 10*time.Second, logger)

	resolver := dedup.NewResolver(st, dedup.Config{
		RecencyWindow:    cfg.Dedup.RecencyWindow,
		NearDupThreshold: cfg.Dedup.NearDupThreshold,
		ShingleSize:      cfg.Dedup.ShingleSize,
		NearDupScan:      cfg.Dedup.NearDupScan,
	})
	pipe := pipeline.New(st, resolver, classify.New(rules), pipeline.Config{
		WriteConcurrency:       cfg.WriteConcurrency,
		AllowedLanguages:       cfg.AllowedLanguages,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	},
		pipeline.WithLogger(logger),
		pipeline.WithEvents(events),
		pipeline.WithMetrics(metrics),
	)

	svc := &Service{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		store:      st,
		rendered:   rendered,
		events:     events,
		metrics:    metrics,
		breakers:   breakers,
		articles:   cache.New[*Page](cache.WithMaxEntries(cfg.Cache.MaxEntries)),
		categories: cache.New[[]CategoryCount](cache.WithMaxEntries(16)),
	}
	svc.scheduler = scheduler.New(st, reg, pipe, scheduler.Config{
		Interval:             cfg.Scheduler.Interval,
		FetchConcurrency:     cfg.Scheduler.FetchConcurrency,
		FailedCycleThreshold: cfg.Scheduler.FailedCycleThreshold,
		RunOnStart:           cfg.Scheduler.RunOnStart,
	},
		scheduler.WithLogger(logger),
		scheduler.WithInvalidator(invalidateFunc(svc.invalidate)),
		scheduler.WithMetrics(metrics),
	)
	svc.sweeper = probe.NewSweeper(st, f, events, logger, cfg.Probe.Interval)

	if err := st.SyncSources(context.Background(), storeSources(cfg.Sources)); err != nil {
		metrics.Close()
		rendered.Close()
		return nil, fmt.Errorf("aggregator: sync sources: %w", err)
	}
	return svc, nil
}

func loadRules(cfg *Config, data []byte) (classify.Rules, error) {
	if data != nil {
		rules, err := classify.ParseRules(data)
		if err != nil {
			return classify.Rules{}, fmt.Errorf("%w: rules: %w", ErrInvalidInput, err)
		}
		return rules, nil
	}
	if cfg.RulesPath == "" {
		return classify.DefaultRules(), nil
	}
	fh, err := os.Open(cfg.RulesPath)
	if err != nil {
		return classify.Rules{}, fmt.Errorf("aggregator: open rules: %w", err)
	}
	defer fh.Close()
	rules, err := classify.LoadRules(fh)
	if err != nil {
		return classify.Rules{}, fmt.Errorf("%w: rules %s: %w", ErrInvalidInput, cfg.RulesPath, err)
	}
	return rules, nil
}

func storeSources(cfgs []SourceConfig) []store.Source {
	out := make([]store.Source, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, store.Source{
			Name:         c.Name,
			Endpoint:     c.Endpoint,
			Kind:         c.Kind,
			Enabled:      c.IsEnabled(),
			TimeoutMs:    c.Timeout.Milliseconds(),
			CategoryHint: c.CategoryHint,
			LanguageHint: c.LanguageHint,
			Options:      c.Options,
		})
	}
	return out
}

type invalidateFunc func()

func (f invalidateFunc) InvalidateAll() { f() }

func (svc *Service) invalidate() {
	svc.articles.InvalidateAll()
	svc.categories.InvalidateAll()
}

// Start launches the scheduler, the probe sweeper and the retention loop.
// Non-blocking; everything stops when ctx is cancelled or Close is called.
func (svc *Service) Start(ctx context.Context) {
	ctx, svc.stop = context.WithCancel(ctx)
	svc.loops.Add(3)
	go func() {
		defer svc.loops.Done()
		if err := svc.scheduler.Run(ctx); err != nil {
			svc.logger.Error("aggregator: scheduler", "error", err)
		}
	}()
	go func() {
		defer svc.loops.Done()
		svc.sweeper.Run(ctx)
	}()
	go func() {
		defer svc.loops.Done()
		svc.retain(ctx)
	}()
	svc.logger.Info("aggregator: started", "sources", len(svc.cfg.Sources), "interval", svc.cfg.Scheduler.Interval)
}

// Close stops the background loops and waits for them, including an
// in-flight refresh cycle, then flushes metrics and stops the headless
// browser. The database must stay open until Close returns.
func (svc *Service) Close() error {
	svc.closeOnce.Do(func() {
		if svc.stop != nil {
			svc.stop()
		}
		svc.loops.Wait()
		svc.scheduler.Wait()
		svc.closeErr = errors.Join(svc.metrics.Close(), svc.rendered.Close())
		svc.logger.Info("aggregator: closed")
	})
	return svc.closeErr
}

// Config returns the configuration the service was built with.
func (svc *Service) Config() *Config { return svc.cfg }

// RequestRefresh asks for a refresh cycle without waiting for it.
func (svc *Service) RequestRefresh() RefreshStatus {
	outcome := svc.scheduler.RequestRefresh()
	return RefreshStatus{Status: string(outcome), State: svc.scheduler.Status().State}
}

// RefreshNow runs one refresh cycle synchronously and returns its report.
func (svc *Service) RefreshNow(ctx context.Context) (*Report, error) {
	return svc.scheduler.RunOnce(ctx)
}

// Articles returns one page of articles matching f. Results are served
// from the cache when a fresh snapshot exists.
func (svc *Service) Articles(ctx context.Context, f Filter) (*Page, error) {
	f = f.Normalized()
	if f.Since > 0 && f.Until > 0 && f.Since > f.Until {
		return nil, fmt.Errorf("%w: date_from after date_to", ErrInvalidInput)
	}
	page, err := svc.articles.GetOrLoad(f.Fingerprint(), svc.cfg.Cache.TTL, func() (*Page, error) {
		lctx, cancel := loadContext(ctx)
		defer cancel()
		return svc.store.Query(lctx, f)
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return page, err
}

// Categories returns article counts per category.
func (svc *Service) Categories(ctx context.Context) ([]CategoryCount, error) {
	return svc.categories.GetOrLoad("categories", svc.cfg.Cache.TTL, func() ([]CategoryCount, error) {
		lctx, cancel := loadContext(ctx)
		defer cancel()
		return svc.store.Categories(lctx)
	})
}

// loadContext detaches a cache load from the caller that happens to run
// it. The result is shared with concurrent callers, so one caller going
// away must not fail the others.
func loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
}

// Sources lists every known source with its recent fetch attempts.
func (svc *Service) Sources(ctx context.Context) ([]SourceStatus, error) {
	srcs, err := svc.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SourceStatus, 0, len(srcs))
	for _, s := range srcs {
		log, err := svc.store.RecentFetchLog(ctx, s.Name, recentFetches)
		if err != nil {
			return nil, err
		}
		out = append(out, SourceStatus{Source: s, RecentFetches: log})
	}
	return out, nil
}

// EnableSource clears the auto-disabled flag and failure counter of a
// source, and leaves the scheduler Disabled state if it was in it.
func (svc *Service) EnableSource(ctx context.Context, name string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: source name is required", ErrInvalidInput)
	}
	if err := svc.store.ResetSource(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
		}
		return nil, err
	}
	svc.events.Log(ctx, name, observability.EventEnabled, "manual")
	svc.scheduler.Enable()
	return svc.store.GetSource(ctx, name)
}

// SweepNow probes every auto-disabled source once.
func (svc *Service) SweepNow(ctx context.Context) []ProbeResult {
	return svc.sweeper.SweepOnce(ctx)
}

// Health reports the scheduler state, the article count and the source
// failure counters. Degraded means the last cycle failed for every
// source or some source is auto-disabled.
func (svc *Service) Health(ctx context.Context) (*Health, error) {
	st := svc.scheduler.Status()
	n, err := svc.store.CountArticles(ctx)
	if err != nil {
		return nil, err
	}
	srcs, err := svc.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{
		Status:       HealthOK,
		Scheduler:    st,
		Articles:     n,
		Sources:      make([]SourceHealth, 0, len(srcs)),
		OpenBreakers: svc.breakers.Open(),
	}
	sort.Strings(h.OpenBreakers)
	degraded := st.LastReport != nil && st.LastReport.AllFailed()
	for _, s := range srcs {
		h.Sources = append(h.Sources, SourceHealth{
			Name:          s.Name,
			Enabled:       s.Enabled,
			AutoDisabled:  s.AutoDisabled,
			FailCount:     s.FailCount,
			LastErrorKind: s.LastErrorKind,
		})
		if s.Enabled && s.AutoDisabled {
			degraded = true
		}
	}
	switch {
	case st.State == scheduler.Disabled.String():
		h.Status = HealthDisabled
	case degraded:
		h.Status = HealthDegraded
	}
	return h, nil
}

// retain prunes the fetch log, metrics and events hourly.
func (svc *Service) retain(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.prune(ctx)
		}
	}
}

func (svc *Service) prune(ctx context.Context) {
	r := svc.cfg.Retention
	if r.FetchLog > 0 {
		before := time.Now().Add(-r.FetchLog).UnixMilli()
		if n, err := svc.store.PruneFetchLog(ctx, before); err != nil {
			svc.logger.Warn("aggregator: prune fetch log", "error", err)
		} else if n > 0 {
			svc.logger.Debug("aggregator: pruned fetch log", "rows", n)
		}
	}
	err := observability.Cleanup(ctx, svc.db, observability.RetentionConfig{
		MetricsDays: r.MetricsDays,
		EventsDays:  r.EventsDays,
	})
	if err != nil {
		svc.logger.Warn("aggregator: retention cleanup", "error", err)
	}
}
