// CLAUDE:SUMMARY Source adapter contract: descriptors, raw items, normalized candidates and typed fetch errors.
// Package source fetches and parses external news sources into normalized
// article candidates.
//
// Adapters (feed, html, rendered) only retrieve and extract raw items. The
// Registry dispatches on the descriptor kind, applies the per-source
// timeout, recovers adapter panics, classifies failures and runs the
// Normalizer over every adapter's output. Nothing in this package writes to
// the store.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned when a descriptor names an adapter kind that
// is not registered.
var ErrUnknownKind = errors.New("source: unknown adapter kind")

// Descriptor is the fetch-time view of a configured source.
type Descriptor struct {
	Name         string
	Endpoint     string
	Kind         string
	Timeout      time.Duration // zero uses the registry default
	CategoryHint string
	LanguageHint string
	Options      map[string]string
	ETag         string
	LastModified string
}

// Item is one raw entry extracted by an adapter before normalization.
type Item struct {
	Link        string
	GUID        string
	Title       string // may contain markup
	Summary     string // may contain markup
	Content     string // full HTML body when the source provides one
	Author      string
	PublishedAt time.Time // zero when the source gives none
}

// Page is what an adapter returns for one successful fetch.
type Page struct {
	BaseURL      string // URL the items' relative links resolve against
	Items        []Item
	ETag         string
	LastModified string
	NotModified  bool
}

// Adapter retrieves and extracts one source. Implementations must honor
// ctx cancellation and must not write anywhere.
type Adapter interface {
	Fetch(ctx context.Context, d Descriptor) (*Page, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, d Descriptor) (*Page, error)

// Fetch calls f.
func (f AdapterFunc) Fetch(ctx context.Context, d Descriptor) (*Page, error) { return f(ctx, d) }

// Candidate is a normalized article candidate.
type Candidate struct {
	Source       string
	URL          string // canonical
	Title        string
	Body         string
	Author       string
	PublishedAt  time.Time // falls back to FetchedAt
	FetchedAt    time.Time
	CategoryHint string
	LanguageHint string
}

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindTimeout ErrorKind = "timeout"
	KindParse   ErrorKind = "parse"
)

// FetchError is the typed failure of one source fetch. It never aborts a
// refresh cycle.
type FetchError struct {
	Source     string
	Kind       ErrorKind
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source %s: %s (status %d): %v", e.Source, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError marks err as an unparseable payload.
func ParseError(err error) error {
	return &FetchError{Kind: KindParse, Err: err}
}

// Result is the outcome of one source fetch. Either Err is set, or
// Candidates holds the normalized items (possibly none).
type Result struct {
	Source       string
	Candidates   []Candidate
	Malformed    int
	Blocked      int
	ETag         string
	LastModified string
	NotModified  bool
	Duration     time.Duration
	Err          *FetchError
}

// OK reports whether the fetch succeeded.
func (r *Result) OK() bool { return r.Err == nil }
