// CLAUDE:SUMMARY Source sync from config, listing, fetch outcome recording with auto-disable, manual enable and reset.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/newsagg/dbopen"
)

const sourceColumns = `name, endpoint, kind, enabled, auto_disabled, timeout_ms, category_hint,
	language_hint, options_json, etag, last_modified, fail_count, last_success_at,
	last_attempt_at, last_error_kind, last_error, last_status_code, created_at, updated_at`

// SyncSources writes the configured sources. Config fields overwrite the
// stored ones, runtime counters are preserved, and validators are cleared
// when the endpoint changed. Stored sources missing from cfg are disabled,
// never deleted.
func (s *Store) SyncSources(ctx context.Context, cfg []Source) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		names := make([]any, 0, len(cfg))
		for _, src := range cfg {
			opts := "{}"
			if len(src.Options) > 0 {
				b, err := json.Marshal(src.Options)
				if err != nil {
					return fmt.Errorf("source %s options: %w", src.Name, err)
				}
				opts = string(b)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO sources (name, endpoint, kind, enabled, timeout_ms, category_hint,
				language_hint, options_json, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					etag = CASE WHEN sources.endpoint = excluded.endpoint THEN sources.etag ELSE '' END,
					last_modified = CASE WHEN sources.endpoint = excluded.endpoint THEN sources.last_modified ELSE '' END,
					endpoint = excluded.endpoint,
					kind = excluded.kind,
					enabled = excluded.enabled,
					timeout_ms = excluded.timeout_ms,
					category_hint = excluded.category_hint,
					language_hint = excluded.language_hint,
					options_json = excluded.options_json,
					updated_at = excluded.updated_at`,
				src.Name, src.Endpoint, src.Kind, src.Enabled, src.TimeoutMs, src.CategoryHint,
				src.LanguageHint, opts, now, now,
			)
			if err != nil {
				return fmt.Errorf("sync source %s: %w", src.Name, err)
			}
			names = append(names, src.Name)
		}

		q := `UPDATE sources SET enabled = 0, updated_at = ? WHERE enabled = 1`
		args := []any{now}
		if len(names) > 0 {
			q += ` AND name NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(names)), ",") + `)`
			args = append(args, names...)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("disable removed sources: %w", err)
		}
		return nil
	})
}

// GetSource retrieves a source by name, or nil.
func (s *Store) GetSource(ctx context.Context, name string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE name = ?`, name)
	return scanSource(row)
}

// ListSources returns all sources ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]*Source, error) {
	return s.listSources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY name`)
}

// EnabledSources returns sources that are enabled and not auto-disabled.
func (s *Store) EnabledSources(ctx context.Context) ([]*Source, error) {
	return s.listSources(ctx, `SELECT `+sourceColumns+` FROM sources
		WHERE enabled = 1 AND auto_disabled = 0 ORDER BY name`)
}

// AutoDisabledSources returns enabled sources that were switched off after
// repeated failures.
func (s *Store) AutoDisabledSources(ctx context.Context) ([]*Source, error) {
	return s.listSources(ctx, `SELECT `+sourceColumns+` FROM sources
		WHERE enabled = 1 AND auto_disabled = 1 ORDER BY name`)
}

func (s *Store) listSources(ctx context.Context, q string, args ...any) ([]*Source, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// RecordFetchSuccess resets the failure counter and stores the validators.
func (s *Store) RecordFetchSuccess(ctx context.Context, name, etag, lastModified string, at int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE sources SET fail_count=0, last_success_at=?, last_attempt_at=?,
		last_error_kind='', last_error='', last_status_code=0, etag=?, last_modified=?, updated_at=?
		WHERE name=?`, at, at, etag, lastModified, at, name)
	return err
}

// RecordFetchFailure increments the failure counter and auto-disables the
// source when it reaches maxFailures (0 never auto-disables). It reports
// whether this call disabled the source.
func (s *Store) RecordFetchFailure(ctx context.Context, name, kind, msg string, status int, at int64, maxFailures int) (bool, error) {
	var disabledNow bool
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var fails, auto int
		err := tx.QueryRowContext(ctx,
			`SELECT fail_count, auto_disabled FROM sources WHERE name = ?`, name).Scan(&fails, &auto)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: source %s", ErrNotFound, name)
		}
		if err != nil {
			return err
		}
		fails++
		disabledNow = auto == 0 && maxFailures > 0 && fails >= maxFailures
		if disabledNow {
			auto = 1
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sources SET fail_count=?, auto_disabled=?, last_attempt_at=?,
			last_error_kind=?, last_error=?, last_status_code=?, updated_at=?
			WHERE name=?`, fails, auto, at, kind, msg, status, at, name)
		return err
	})
	return disabledNow, err
}

// SetSourceEnabled sets the enabled flag. Enabling also clears the
// auto-disabled flag and the failure counter.
func (s *Store) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	now := time.Now().UnixMilli()
	q := `UPDATE sources SET enabled=0, updated_at=? WHERE name=?`
	if enabled {
		q = `UPDATE sources SET enabled=1, auto_disabled=0, fail_count=0, updated_at=? WHERE name=?`
	}
	return s.execOne(ctx, name, q, now, name)
}

// ResetSource clears the auto-disabled flag and failure state of a source
// that answered a probe.
func (s *Store) ResetSource(ctx context.Context, name string) error {
	now := time.Now().UnixMilli()
	return s.execOne(ctx, name,
		`UPDATE sources SET auto_disabled=0, fail_count=0, last_error_kind='', last_error='',
		last_status_code=0, updated_at=? WHERE name=?`, now, name)
}

func (s *Store) execOne(ctx context.Context, name, q string, args ...any) error {
	res, err := dbopen.Exec(ctx, s.DB, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: source %s", ErrNotFound, name)
	}
	return nil
}

func scanSource(row *sql.Row) (*Source, error) {
	src, err := scanSourceFrom(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

func scanSourceRows(rows *sql.Rows) (*Source, error) {
	return scanSourceFrom(rows.Scan)
}

func scanSourceFrom(scan func(...any) error) (*Source, error) {
	var (
		src            Source
		enabled, auto  int
		opts           string
		success, tried sql.NullInt64
	)
	err := scan(&src.Name, &src.Endpoint, &src.Kind, &enabled, &auto, &src.TimeoutMs,
		&src.CategoryHint, &src.LanguageHint, &opts, &src.ETag, &src.LastModified,
		&src.FailCount, &success, &tried, &src.LastErrorKind, &src.LastError,
		&src.LastStatusCode, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Enabled = enabled != 0
	src.AutoDisabled = auto != 0
	if success.Valid {
		src.LastSuccessAt = &success.Int64
	}
	if tried.Valid {
		src.LastAttemptAt = &tried.Int64
	}
	if opts != "" && opts != "{}" {
		if err := json.Unmarshal([]byte(opts), &src.Options); err != nil {
			return nil, fmt.Errorf("source %s: options: %w", src.Name, err)
		}
	}
	return &src, nil
}
