// CLAUDE:SUMMARY Article upsert under a per-URL keyed lock, dedup lookups and category counts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/newsagg/dbopen"
)

const articleColumns = `id, source, url, title, body, author, published_at, fetched_at,
	updated_at, category, language, content_hash`

// Upsert inserts a, or updates the stored article with the same URL when
// its content hash differs. The stored id never changes. A UNIQUE
// violation from a concurrent writer is returned as ErrConflict.
func (s *Store) Upsert(ctx context.Context, a *Article) (UpsertResult, error) {
	unlock := s.locks.Lock(a.URL)
	defer unlock()

	if a.UpdatedAt == 0 {
		a.UpdatedAt = time.Now().UnixMilli()
	}

	var res UpsertResult
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var id, hash string
		err := tx.QueryRowContext(ctx,
			`SELECT id, content_hash FROM articles WHERE url = ?`, a.URL).Scan(&id, &hash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(ctx,
				`INSERT INTO articles (`+articleColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.Source, a.URL, a.Title, a.Body, a.Author, a.PublishedAt, a.FetchedAt,
				a.UpdatedAt, a.Category, a.Language, a.ContentHash,
			)
			if dbopen.IsConstraint(err) {
				return fmt.Errorf("%w: %s", ErrConflict, a.URL)
			}
			if err != nil {
				return fmt.Errorf("insert article: %w", err)
			}
			res = UpsertResult{ID: a.ID, Outcome: Inserted}
		case err != nil:
			return fmt.Errorf("lookup article: %w", err)
		case hash == a.ContentHash:
			res = UpsertResult{ID: id, Outcome: Unchanged}
		default:
			_, err := tx.ExecContext(ctx,
				`UPDATE articles SET title=?, body=?, author=?, updated_at=?, category=?,
				language=?, content_hash=?
				WHERE id=?`,
				a.Title, a.Body, a.Author, a.UpdatedAt, a.Category, a.Language, a.ContentHash, id,
			)
			if dbopen.IsConstraint(err) {
				return fmt.Errorf("%w: %s", ErrConflict, a.URL)
			}
			if err != nil {
				return fmt.Errorf("update article: %w", err)
			}
			res = UpsertResult{ID: id, Outcome: Updated}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	a.ID = res.ID
	return res, nil
}

// GetArticle retrieves an article by id, or nil.
func (s *Store) GetArticle(ctx context.Context, id string) (*Article, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	return scanArticle(row)
}

// ArticleByURL retrieves the article stored under a canonical URL, or nil.
func (s *Store) ArticleByURL(ctx context.Context, url string) (*Article, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE url = ?`, url)
	return scanArticle(row)
}

// ArticleBySourceHash returns the earliest article of source with hash
// published in [from, to], or nil.
func (s *Store) ArticleBySourceHash(ctx context.Context, source, hash string, from, to int64) (*Article, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles
		WHERE source = ? AND content_hash = ? AND published_at BETWEEN ? AND ?
		ORDER BY published_at ASC, id ASC LIMIT 1`, source, hash, from, to)
	return scanArticle(row)
}

// RecentBySource lists articles of source published in [from, to], oldest
// first, at most limit rows.
func (s *Store) RecentBySource(ctx context.Context, source string, from, to int64, limit int) ([]*Article, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles
		WHERE source = ? AND published_at BETWEEN ? AND ?
		ORDER BY published_at ASC, id ASC LIMIT ?`, source, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArticles(rows)
}

// CountArticles returns the number of stored articles.
func (s *Store) CountArticles(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n)
	return n, err
}

// Categories returns article counts per category, largest first.
func (s *Store) Categories(ctx context.Context) ([]CategoryCount, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM articles GROUP BY category ORDER BY COUNT(*) DESC, category ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CategoryCount{}
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanArticle(row *sql.Row) (*Article, error) {
	var a Article
	err := row.Scan(&a.ID, &a.Source, &a.URL, &a.Title, &a.Body, &a.Author, &a.PublishedAt,
		&a.FetchedAt, &a.UpdatedAt, &a.Category, &a.Language, &a.ContentHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan article: %w", err)
	}
	return &a, nil
}

func collectArticles(rows *sql.Rows) ([]*Article, error) {
	var out []*Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Source, &a.URL, &a.Title, &a.Body, &a.Author, &a.PublishedAt,
			&a.FetchedAt, &a.UpdatedAt, &a.Category, &a.Language, &a.ContentHash); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
