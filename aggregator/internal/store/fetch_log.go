package store

import (
	"context"
	"fmt"
)

// InsertFetchLog records a fetch attempt.
func (s *Store) InsertFetchLog(ctx context.Context, e *FetchLogEntry) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (id, cycle_id, source, status, error_kind, status_code,
		error_message, candidates, malformed, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CycleID, e.Source, e.Status, e.ErrorKind, e.StatusCode,
		e.ErrorMessage, e.Candidates, e.Malformed, e.DurationMs, e.FetchedAt,
	)
	return err
}

// RecentFetchLog returns fetch log entries for a source, newest first.
// An empty source lists all sources.
func (s *Store) RecentFetchLog(ctx context.Context, source string, limit int) ([]*FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, cycle_id, source, status, error_kind, status_code, error_message,
		candidates, malformed, duration_ms, fetched_at FROM fetch_log`
	args := []any{}
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY fetched_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*FetchLogEntry
	for rows.Next() {
		var e FetchLogEntry
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Source, &e.Status, &e.ErrorKind, &e.StatusCode,
			&e.ErrorMessage, &e.Candidates, &e.Malformed, &e.DurationMs, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetch log: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// PruneFetchLog deletes fetch log rows older than before (unix ms).
func (s *Store) PruneFetchLog(ctx context.Context, before int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM fetch_log WHERE fetched_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
