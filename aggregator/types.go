// CLAUDE:SUMMARY Re-exports store, pipeline, scheduler and probe types as the aggregator public API.
// Package aggregator collects news articles from configured feeds and web
// pages into one deduplicated, categorized SQLite store.
//
// A Service owns the refresh scheduler, the probe sweeper of auto-disabled
// sources and a read cache in front of the store. Reads never wait on a
// refresh cycle; a cycle that writes articles invalidates the cache.
package aggregator

import (
	"github.com/hazyhaar/newsagg/aggregator/internal/pipeline"
	"github.com/hazyhaar/newsagg/aggregator/internal/probe"
	"github.com/hazyhaar/newsagg/aggregator/internal/scheduler"
	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
)

// Re-export internal types for the public API.
type (
	Article         = store.Article
	Source          = store.Source
	FetchLogEntry   = store.FetchLogEntry
	Filter          = store.Filter
	Page            = store.Page
	CategoryCount   = store.CategoryCount
	Report          = pipeline.Report
	SchedulerStatus = scheduler.Status
	ProbeResult     = probe.Result

	Adapter     = source.Adapter
	AdapterFunc = source.AdapterFunc
	Descriptor  = source.Descriptor
	SourceItem  = source.Item
	SourcePage  = source.Page
)

// SourceStatus is a source descriptor with its recent fetch attempts.
type SourceStatus struct {
	*Source
	RecentFetches []*FetchLogEntry `json:"recent_fetches"`
}

// RefreshStatus answers a manual refresh request.
type RefreshStatus struct {
	Status string `json:"status"` // accepted or coalesced
	State  string `json:"state"`
}

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDisabled = "disabled"
)

// SourceHealth is the per-source part of Health.
type SourceHealth struct {
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	AutoDisabled  bool   `json:"auto_disabled"`
	FailCount     int    `json:"fail_count"`
	LastErrorKind string `json:"last_error_kind,omitempty"`
}

// Health summarizes the service.
type Health struct {
	Status    string          `json:"status"`
	Scheduler SchedulerStatus `json:"scheduler"`
	Articles  int             `json:"articles"`
	Sources   []SourceHealth  `json:"sources"`
	// OpenBreakers lists article hosts whose enrichment requests are
	// currently skipped.
	OpenBreakers []string `json:"open_breakers,omitempty"`
}
