package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/newsagg/idgen"
)

// Source lifecycle event types.
const (
	EventAutoDisabled   = "auto_disabled"
	EventEnabled        = "enabled"
	EventProbeRecovered = "probe_recovered"
	EventProbeFailed    = "probe_failed"
)

// SourceEvent is a lifecycle change of one configured source.
type SourceEvent struct {
	ID        string
	Source    string
	Type      string
	Details   string
	CreatedAt time.Time
}

// EventLogger writes source lifecycle events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used to report write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a logger backed by the given database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records an event. Errors are logged and swallowed so that a failing
// event table never blocks a refresh cycle.
func (l *EventLogger) Log(ctx context.Context, source, eventType, details string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO source_events (event_id, source, event_type, details, created_at)
		VALUES (?,?,?,?,?)`,
		l.newID(), source, eventType, details, time.Now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: source event", "error", err, "source", source, "event_type", eventType)
	}
}

// Recent returns the latest events for source, newest first. An empty
// source returns events for all sources.
func (l *EventLogger) Recent(ctx context.Context, source string, limit int) ([]SourceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, source, event_type, details, created_at FROM source_events`
	args := []any{}
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query source events: %w", err)
	}
	defer rows.Close()

	var out []SourceEvent
	for rows.Next() {
		var (
			e  SourceEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Type, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan source event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	MetricsDays int
	EventsDays  int
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().UnixMilli()
	targets := []struct {
		table string
		query string
		days  int
	}{
		{"metrics_timeseries", "DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays},
		{"source_events", "DELETE FROM source_events WHERE created_at < ?", cfg.EventsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86_400_000
		if _, err := db.ExecContext(ctx, t.query, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}
	return nil
}
