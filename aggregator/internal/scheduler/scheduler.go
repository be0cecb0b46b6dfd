// Package scheduler runs refresh cycles on a ticker and on demand.
//
// All state transitions go through Machine.Step under one mutex, so at
// most one cycle is in flight and manual requests made during a cycle
// coalesce into a single follow-up cycle.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/newsagg/aggregator/internal/pipeline"
	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
	"github.com/hazyhaar/newsagg/idgen"
	"github.com/hazyhaar/newsagg/kit"
	"github.com/hazyhaar/newsagg/observability"
)

// ErrCycleInFlight is returned by RunOnce when another cycle is running.
var ErrCycleInFlight = errors.New("scheduler: refresh cycle in flight")

// Fetcher fetches one source. source.Registry implements it.
type Fetcher interface {
	Fetch(ctx context.Context, d source.Descriptor) *source.Result
}

// Invalidator drops cached read snapshots.
type Invalidator interface {
	InvalidateAll()
}

// Config configures the scheduler.
type Config struct {
	// Interval between scheduled cycles. Default: 5 minutes.
	Interval time.Duration
	// FetchConcurrency caps parallel source fetches. Default: 16.
	FetchConcurrency int
	// FailedCycleThreshold disables scheduled cycles after this many fully
	// failed cycles in a row. Default: 3.
	FailedCycleThreshold int
	// RunOnStart triggers a cycle when Run starts.
	RunOnStart bool
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 16
	}
	if c.FailedCycleThreshold <= 0 {
		c.FailedCycleThreshold = 3
	}
}

// RequestOutcome is the answer to a manual refresh request.
type RequestOutcome string

const (
	Accepted  RequestOutcome = "accepted"
	Coalesced RequestOutcome = "coalesced"
)

// Status is a snapshot of the scheduler for health reporting.
type Status struct {
	State        string           `json:"state"`
	Pending      bool             `json:"pending"`
	FailedCycles int              `json:"failed_cycles"`
	Cycles       int64            `json:"cycles"`
	LastReport   *pipeline.Report `json:"last_report,omitempty"`
}

// Scheduler owns the refresh state machine.
type Scheduler struct {
	st      *store.Store
	fetcher Fetcher
	pipe    *pipeline.Pipeline
	cache   Invalidator
	metrics observability.Recorder
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	m       Machine
	last    *pipeline.Report
	cycles  int64
	running bool // a Run loop is reading kick

	kick     chan struct{}
	detached sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInvalidator sets the cache invalidated after writing cycles.
func WithInvalidator(inv Invalidator) Option { return func(s *Scheduler) { s.cache = inv } }

// WithMetrics records cycle metrics.
func WithMetrics(r observability.Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.metrics = r
		}
	}
}

// New creates a Scheduler in the Idle state.
func New(st *store.Store, fetcher Fetcher, pipe *pipeline.Pipeline, cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		st:      st,
		fetcher: fetcher,
		pipe:    pipe,
		metrics: observability.Discard,
		cfg:     cfg,
		logger:  slog.Default(),
		m:       Machine{State: Idle, Threshold: cfg.FailedCycleThreshold},
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// step applies e under the lock and returns the action.
func (s *Scheduler) step(e Event) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepLocked(e)
}

func (s *Scheduler) stepLocked(e Event) Action {
	prev := s.m.State
	next, action := s.m.Step(e)
	s.m = next
	if prev != next.State {
		s.logger.Debug("scheduler: transition", "from", prev, "to", next.State)
		if next.State == Disabled {
			s.logger.Warn("scheduler: disabled after failed cycles", "failed_cycles", next.FailedCycles)
		}
	}
	return action
}

// RequestRefresh asks for a cycle without blocking. The cycle runs on the
// Run loop, or on its own goroutine when no loop is running; Wait waits
// for the latter.
func (s *Scheduler) RequestRefresh() RequestOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepLocked(Event{Kind: Manual}) != StartCycle {
		return Coalesced
	}
	if s.running {
		// Sent under mu so that Run cannot exit between the transition
		// and the send.
		select {
		case s.kick <- struct{}{}:
		default:
		}
		return Accepted
	}
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		s.runCycles(context.Background())
	}()
	return Accepted
}

// Wait blocks until cycles started by RequestRefresh outside a Run loop
// have finished.
func (s *Scheduler) Wait() {
	s.detached.Wait()
}

// Enable leaves the Disabled state.
func (s *Scheduler) Enable() {
	s.step(Event{Kind: Enable})
}

// Status returns the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.m.State.String(),
		Pending:      s.m.Pending,
		FailedCycles: s.m.FailedCycles,
		Cycles:       s.cycles,
		LastReport:   s.last,
	}
}

// Run drives scheduled and requested cycles until ctx is cancelled. An
// in-flight cycle completes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.stopLoop()

	s.logger.Info("scheduler: started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.cfg.RunOnStart && s.step(Event{Kind: Tick}) == StartCycle {
		s.runCycles(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
			if s.step(Event{Kind: Tick}) == StartCycle {
				s.runCycles(ctx)
			}
		case <-s.kick:
			s.runCycles(ctx)
		}
	}
}

// stopLoop marks the loop as gone. A request accepted but not yet picked
// up is dropped so that the machine does not stay in Fetching without a
// cycle.
func (s *Scheduler) stopLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	select {
	case <-s.kick:
		if s.m.State == Fetching {
			s.m.State, s.m.Pending = Idle, false
			if s.m.Threshold > 0 && s.m.FailedCycles >= s.m.Threshold {
				s.m.State = Disabled
			}
		}
	default:
	}
}

// RunOnce runs one cycle synchronously, plus any follow-up requested
// meanwhile, and returns the last report.
func (s *Scheduler) RunOnce(ctx context.Context) (*pipeline.Report, error) {
	if s.step(Event{Kind: Manual}) != StartCycle {
		return nil, ErrCycleInFlight
	}
	return s.runCycles(ctx), nil
}

// runCycles runs cycles while the machine asks for them. The caller must
// have received StartCycle.
func (s *Scheduler) runCycles(ctx context.Context) *pipeline.Report {
	var rep *pipeline.Report
	for {
		rep = s.cycle(context.WithoutCancel(ctx))
		s.mu.Lock()
		action := s.stepLocked(Event{Kind: CycleDone, AllFailed: rep.AllFailed()})
		if action == StartCycle && ctx.Err() != nil {
			// Shutting down: the coalesced request is dropped.
			s.m.State, s.m.Pending = Idle, false
			action = NoAction
		}
		s.mu.Unlock()
		if action != StartCycle {
			return rep
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) *pipeline.Report {
	cycleID := idgen.Cycle()
	ctx = kit.WithCycleID(ctx, cycleID)
	log := s.logger.With("cycle_id", cycleID)
	start := time.Now()
	rep := pipeline.NewReport(cycleID, start)

	sources, err := s.st.EnabledSources(ctx)
	if err != nil {
		log.Error("scheduler: list sources", "error", err)
		sources = nil
	}
	results := s.fetchAll(ctx, sources)
	s.pipe.RecordOutcomes(ctx, rep, results)

	s.step(Event{Kind: FetchDone})
	if err := s.pipe.Reconcile(ctx, rep, results); err != nil {
		log.Warn("scheduler: reconcile", "error", err)
	}
	if rep.NeedsInvalidation && s.cache != nil {
		s.cache.InvalidateAll()
		s.metrics.Record(&observability.Metric{
			Name: observability.MetricCacheInvalidated, Timestamp: time.Now(), Value: 1, Unit: "count",
		})
	}
	rep.FinishedAt = time.Now()
	s.metrics.Record(&observability.Metric{
		Name: observability.MetricCycleDurationMs, Timestamp: rep.FinishedAt,
		Value: float64(rep.FinishedAt.Sub(start).Milliseconds()), Unit: "milliseconds",
	})

	s.mu.Lock()
	s.last = rep
	s.cycles++
	s.mu.Unlock()

	log.Info("scheduler: cycle done",
		"sources", rep.Sources, "failed", rep.SourcesFailed, "new", rep.New,
		"updated", rep.Updated, "duplicates", rep.Duplicates, "dropped", rep.Dropped,
		"duration", rep.FinishedAt.Sub(start))
	return rep
}

// fetchAll fetches every source with a bounded worker group. Each fetch
// carries its own timeout; one failing source never cancels the others.
func (s *Scheduler) fetchAll(ctx context.Context, sources []*store.Source) []*source.Result {
	results := make([]*source.Result, len(sources))
	if len(sources) == 0 {
		return results
	}
	var g errgroup.Group
	g.SetLimit(min(len(sources), s.cfg.FetchConcurrency))
	for i, src := range sources {
		g.Go(func() error {
			results[i] = s.fetcher.Fetch(ctx, Descriptor(src))
			return nil
		})
	}
	g.Wait()
	return results
}

// Descriptor converts a stored source to an adapter descriptor.
func Descriptor(src *store.Source) source.Descriptor {
	return source.Descriptor{
		Name:         src.Name,
		Endpoint:     src.Endpoint,
		Kind:         src.Kind,
		Timeout:      time.Duration(src.TimeoutMs) * time.Millisecond,
		CategoryHint: src.CategoryHint,
		LanguageHint: src.LanguageHint,
		Options:      src.Options,
		ETag:         src.ETag,
		LastModified: src.LastModified,
	}
}
