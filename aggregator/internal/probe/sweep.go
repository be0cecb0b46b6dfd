// CLAUDE:SUMMARY Periodic sweeper that probes auto-disabled sources and resets those that answer.
// CLAUDE:DEPENDS fetch, store, observability
// CLAUDE:EXPORTS Sweeper, Result, Prober
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/newsagg/aggregator/internal/store"
	"github.com/hazyhaar/newsagg/observability"
)

// Result is the outcome of probing one source endpoint.
type Result struct {
	Source     string `json:"source"`
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code"`
	Recovered  bool   `json:"recovered"`
	Error      string `json:"error,omitempty"`
}

// Prober answers with the HTTP status of url. fetch.Fetcher implements it.
type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}

// Sweeper gives auto-disabled sources a way back into the refresh cycle:
// every interval it sends a cheap request to each of them and resets the
// failure counters of those answering 2xx or 3xx.
type Sweeper struct {
	st       *store.Store
	prober   Prober
	events   *observability.EventLogger
	logger   *slog.Logger
	interval time.Duration

	probeTimeout time.Duration
	parallel     int
}

// NewSweeper returns a Sweeper; events may be nil and interval <= 0 means
// six hours.
func NewSweeper(st *store.Store, prober Prober, events *observability.EventLogger, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Sweeper{
		st:           st,
		prober:       prober,
		events:       events,
		logger:       logger,
		interval:     interval,
		probeTimeout: 10 * time.Second,
		parallel:     4,
	}
}

// Run sweeps every interval until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(sw.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var back int
		results := sw.SweepOnce(ctx)
		for _, r := range results {
			if r.Recovered {
				back++
			}
		}
		if len(results) > 0 {
			sw.logger.Info("probe: sweep", "probed", len(results), "recovered", back)
		}
	}
}

// SweepOnce probes the auto-disabled sources that configuration still
// enables, a few at a time. Results follow the store order.
func (sw *Sweeper) SweepOnce(ctx context.Context) []Result {
	srcs, err := sw.st.AutoDisabledSources(ctx)
	if err != nil {
		sw.logger.Warn("probe: list auto-disabled sources", "error", err)
		return nil
	}
	var targets []*store.Source
	for _, s := range srcs {
		if s.Enabled {
			targets = append(targets, s)
		}
	}

	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(sw.parallel)
	for i, s := range targets {
		g.Go(func() error {
			results[i] = sw.probe(ctx, s)
			return nil
		})
	}
	g.Wait()
	return results
}

func (sw *Sweeper) probe(ctx context.Context, src *store.Source) Result {
	res := Result{Source: src.Name, Endpoint: src.Endpoint}

	pctx, cancel := context.WithTimeout(ctx, sw.probeTimeout)
	res.StatusCode, res.Error = probeStatus(sw.prober.Probe(pctx, src.Endpoint))
	cancel()

	if res.Error != "" {
		sw.event(ctx, src.Name, observability.EventProbeFailed, res.Error)
		return res
	}
	if err := sw.st.ResetSource(ctx, src.Name); err != nil {
		res.Error = "reset: " + err.Error()
		sw.logger.Warn("probe: reset source", "source", src.Name, "error", err)
		return res
	}
	res.Recovered = true
	sw.logger.Info("probe: source back", "source", src.Name, "status", res.StatusCode)
	sw.event(ctx, src.Name, observability.EventProbeRecovered, fmt.Sprintf("status %d", res.StatusCode))
	return res
}

// probeStatus turns a probe outcome into a status code and an error
// message, empty when the endpoint looks healthy.
func probeStatus(code int, err error) (int, string) {
	switch {
	case err != nil:
		return code, err.Error()
	case code < 200 || code >= 400:
		return code, fmt.Sprintf("status %d", code)
	}
	return code, ""
}

func (sw *Sweeper) event(ctx context.Context, source, typ, details string) {
	if sw.events != nil {
		sw.events.Log(ctx, source, typ, details)
	}
}
