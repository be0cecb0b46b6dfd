package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/newsagg/aggregator/internal/fetch"
)

// Registry maps adapter kinds to adapters and runs one source fetch end to
// end: timeout, panic recovery, error classification, normalization and
// enrichment.
type Registry struct {
	adapters map[string]Adapter
	norm     *Normalizer
	enricher *Enricher
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultTimeout sets the timeout for descriptors without their own.
// Default: 15s.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithEnricher enables short-summary enrichment.
func WithEnricher(e *Enricher) RegistryOption {
	return func(r *Registry) { r.enricher = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the fetch timestamp source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry normalizing with norm.
func NewRegistry(norm *Normalizer, opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		norm:     norm,
		timeout:  15 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds kind and its aliases to a.
func (r *Registry) Register(kind string, a Adapter, aliases ...string) {
	r.adapters[strings.ToLower(kind)] = a
	for _, al := range aliases {
		r.adapters[strings.ToLower(al)] = a
	}
}

// Lookup returns the adapter for kind.
func (r *Registry) Lookup(kind string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return a, nil
}

// Kinds lists registered kinds and aliases, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fetchOutcome struct {
	page *Page
	err  error
}

// Fetch runs one source fetch. The returned result always carries the
// source name; failures are reported in Result.Err, never as a panic or
// a blocked call past the source timeout.
func (r *Registry) Fetch(ctx context.Context, d Descriptor) *Result {
	start := r.now()
	res := &Result{Source: d.Name}

	a, err := r.Lookup(d.Kind)
	if err != nil {
		res.Err = &FetchError{Source: d.Name, Kind: KindParse, Err: err}
		return res
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan fetchOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fetchOutcome{err: ParseError(fmt.Errorf("adapter panic: %v", p))}
			}
		}()
		page, err := a.Fetch(ctx, d)
		done <- fetchOutcome{page: page, err: err}
	}()

	var out fetchOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = fetchOutcome{err: ctx.Err()}
	}
	res.Duration = r.now().Sub(start)

	if out.err != nil {
		res.Err = classify(d.Name, out.err)
		return res
	}
	page := out.page
	if page == nil {
		page = &Page{}
	}
	res.ETag, res.LastModified, res.NotModified = page.ETag, page.LastModified, page.NotModified
	if page.NotModified {
		return res
	}

	cands, st := r.norm.Normalize(d, page, start)
	if st.Capped > 0 {
		r.logger.Warn("source: item cap reached", "source", d.Name, "dropped", st.Capped)
	}
	if r.enricher != nil && len(cands) > 0 {
		if n := r.enricher.Enrich(ctx, cands); n > 0 {
			r.logger.Debug("source: enriched", "source", d.Name, "count", n)
		}
	}
	res.Candidates = cands
	res.Malformed = st.Malformed
	res.Blocked = st.Blocked
	res.Duration = r.now().Sub(start)
	return res
}

// classify maps an adapter error onto a FetchError kind.
func classify(name string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		out := *fe
		out.Source = name
		return &out
	}
	out := &FetchError{Source: name, Kind: KindNetwork, Err: err}
	var he *fetch.HTTPError
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		out.Kind = KindTimeout
	case errors.As(err, &he):
		out.StatusCode = he.StatusCode
	case errors.Is(err, ErrUnknownKind):
		out.Kind = KindParse
	}
	return out
}
