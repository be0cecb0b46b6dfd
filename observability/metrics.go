// Package observability records pipeline metrics and source lifecycle events
// in SQLite tables next to the article store.
//
// Metrics are buffered and written in batches. Events are written
// directly; a failed event write is logged and never returned to the
// refresh cycle.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/newsagg/dbopen"
)

// Metric names emitted by the refresh pipeline.
const (
	MetricCycleDurationMs  = "cycle_duration_ms"
	MetricFetchDurationMs  = "fetch_duration_ms"
	MetricArticlesNew      = "articles_new_count"
	MetricArticlesUpdated  = "articles_updated_count"
	MetricArticlesDup      = "articles_duplicate_count"
	MetricItemsMalformed   = "items_malformed_count"
	MetricSourcesFailed    = "sources_failed_count"
	MetricWritesDropped    = "writes_dropped_count"
	MetricCacheInvalidated = "cache_invalidated_count"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count"
}

// Recorder is the write side used by the scheduler. A nil *MetricsManager
// is not a valid Recorder; use Discard instead.
type Recorder interface {
	Record(m *Metric)
}

type discard struct{}

func (discard) Record(*Metric) {}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

// MetricsManager buffers metrics and writes them to metrics_timeseries in
// one transaction per batch. A batch is written when the buffer fills, on
// every flush interval and on Close.
type MetricsManager struct {
	db       *sql.DB
	batch    int
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*Metric

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMetricsManager starts the flush goroutine. batch <= 0 means 100 and
// interval <= 0 means 5s.
func NewMetricsManager(db *sql.DB, batch int, interval time.Duration, logger *slog.Logger) *MetricsManager {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:       db,
		batch:    batch,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mm.loop()
	return mm
}

// Record queues m. The caller that fills the buffer writes the batch; the
// buffer lock is not held during the write.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	mm.pending = append(mm.pending, m)
	var full []*Metric
	if len(mm.pending) >= mm.batch {
		full = mm.pending
		mm.pending = nil
	}
	mm.mu.Unlock()
	if full != nil {
		mm.write(full)
	}
}

// MetricQuery selects datapoints. Zero fields do not filter.
type MetricQuery struct {
	Name  string
	Since time.Time
	Limit int
}

// Query returns matching datapoints, newest first.
func (mm *MetricsManager) Query(ctx context.Context, mq MetricQuery) ([]*Metric, error) {
	var where []string
	var args []any
	if mq.Name != "" {
		where = append(where, "metric_name = ?")
		args = append(args, mq.Name)
	}
	if !mq.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, mq.Since.UnixMilli())
	}
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, rowid DESC"
	if mq.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, mq.Limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close writes what is buffered and stops the flush goroutine. Safe to
// call more than once.
func (mm *MetricsManager) Close() error {
	mm.closeOnce.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	tick := time.NewTicker(mm.interval)
	defer tick.Stop()
	for {
		select {
		case <-mm.stop:
			mm.flush()
			return
		case <-tick.C:
			mm.flush()
		}
	}
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	batch := mm.pending
	mm.pending = nil
	mm.mu.Unlock()
	if len(batch) > 0 {
		mm.write(batch)
	}
}

// write inserts batch in one transaction. A failed batch is logged and
// dropped.
func (mm *MetricsManager) write(batch []*Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability: metrics batch dropped", "error", err, "count", len(batch))
	}
}
