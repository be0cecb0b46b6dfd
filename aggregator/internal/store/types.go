// CLAUDE:SUMMARY Store data types: Article, Source, FetchLogEntry, Filter, Page, UpsertResult.
package store

// Article is one stored news article. Timestamps are unix milliseconds.
type Article struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Author      string `json:"author,omitempty"`
	PublishedAt int64  `json:"published_at"`
	FetchedAt   int64  `json:"fetched_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Category    string `json:"category"`
	Language    string `json:"language"`
	ContentHash string `json:"content_hash"`
}

// Source is a configured source descriptor with its runtime counters.
type Source struct {
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	Kind           string            `json:"kind"`
	Enabled        bool              `json:"enabled"`
	AutoDisabled   bool              `json:"auto_disabled"`
	TimeoutMs      int64             `json:"timeout_ms,omitempty"`
	CategoryHint   string            `json:"category_hint,omitempty"`
	LanguageHint   string            `json:"language_hint,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
	ETag           string            `json:"-"`
	LastModified   string            `json:"-"`
	FailCount      int               `json:"fail_count"`
	LastSuccessAt  *int64            `json:"last_success_at,omitempty"`
	LastAttemptAt  *int64            `json:"last_attempt_at,omitempty"`
	LastErrorKind  string            `json:"last_error_kind,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastStatusCode int               `json:"last_status_code,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	UpdatedAt      int64             `json:"updated_at"`
}

// Active reports whether the scheduler should fetch the source.
func (s *Source) Active() bool { return s.Enabled && !s.AutoDisabled }

// FetchLogEntry is one fetch attempt record.
type FetchLogEntry struct {
	ID           string `json:"id"`
	CycleID      string `json:"cycle_id"`
	Source       string `json:"source"`
	Status       string `json:"status"` // "ok", "not_modified", "error"
	ErrorKind    string `json:"error_kind,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Candidates   int    `json:"candidates"`
	Malformed    int    `json:"malformed"`
	DurationMs   int64  `json:"duration_ms"`
	FetchedAt    int64  `json:"fetched_at"`
}

// UpsertOutcome tells what Upsert did.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota
	Updated
	Unchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// UpsertResult is the outcome of one Upsert.
type UpsertResult struct {
	ID      string
	Outcome UpsertOutcome
}

// CategoryCount is one row of the categories listing.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}
