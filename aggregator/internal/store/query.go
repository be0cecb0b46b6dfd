package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned by Query for a cursor it did not issue.
var ErrInvalidCursor = errors.New("store: invalid cursor")

const (
	defaultLimit = 20
	maxLimit     = 1000
)

// Filter selects articles. Zero fields do not filter. Since and Until are
// inclusive unix milliseconds on published_at.
type Filter struct {
	Categories []string
	Sources    []string
	Language   string
	Since      int64
	Until      int64
	Q          string // substring of title or body, case-insensitive for ASCII
	Limit      int
	Offset     int    // ignored when Cursor is set
	Cursor     string // from Page.NextCursor
}

// Page is one query result page.
type Page struct {
	Articles   []*Article `json:"items"`
	Total      int        `json:"total"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Normalized returns f with sorted, deduplicated lists, trimmed strings and
// the default limit applied. Equal normalized filters select equal pages.
func (f Filter) Normalized() Filter {
	f.Categories = normList(f.Categories)
	f.Sources = normList(f.Sources)
	f.Language = strings.TrimSpace(f.Language)
	f.Q = strings.TrimSpace(f.Q)
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 || f.Cursor != "" {
		f.Offset = 0
	}
	return f
}

// Fingerprint is a canonical key for the normalized filter.
func (f Filter) Fingerprint() string {
	n := f.Normalized()
	var b strings.Builder
	b.WriteString("c=")
	b.WriteString(strings.Join(n.Categories, ","))
	b.WriteString("|s=")
	b.WriteString(strings.Join(n.Sources, ","))
	b.WriteString("|l=")
	b.WriteString(n.Language)
	fmt.Fprintf(&b, "|since=%d|until=%d|limit=%d|offset=%d", n.Since, n.Until, n.Limit, n.Offset)
	b.WriteString("|cur=")
	b.WriteString(n.Cursor)
	b.WriteString("|q=")
	b.WriteString(strconv.Quote(n.Q))
	return b.String()
}

func normList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Query returns one page of articles ordered by published_at descending,
// ties by id ascending.
func (s *Store) Query(ctx context.Context, f Filter) (*Page, error) {
	f = f.Normalized()

	where, args := f.where()
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count articles: %w", err)
	}

	if f.Cursor != "" {
		pub, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "(published_at < ? OR (published_at = ? AND id > ?))"
		args = append(args, pub, pub, id)
	}

	q := `SELECT ` + articleColumns + ` FROM articles` + where +
		` ORDER BY published_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, f.Limit+1, f.Offset)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()
	list, err := collectArticles(rows)
	if err != nil {
		return nil, err
	}

	page := &Page{Articles: list, Total: total}
	if len(list) > f.Limit {
		page.Articles = list[:f.Limit]
		last := page.Articles[f.Limit-1]
		page.NextCursor = encodeCursor(last.PublishedAt, last.ID)
	}
	if page.Articles == nil {
		page.Articles = []*Article{}
	}
	return page, nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	in := func(col string, vals []string) {
		conds = append(conds, col+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")+")")
		for _, v := range vals {
			args = append(args, v)
		}
	}
	if len(f.Categories) > 0 {
		in("category", f.Categories)
	}
	if len(f.Sources) > 0 {
		in("source", f.Sources)
	}
	if f.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, f.Language)
	}
	if f.Since > 0 {
		conds = append(conds, "published_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "published_at <= ?")
		args = append(args, f.Until)
	}
	if f.Q != "" {
		conds = append(conds, `(title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')`)
		pat := "%" + escapeLike(f.Q) + "%"
		args = append(args, pat, pat)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func encodeCursor(publishedAt int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(publishedAt, 10) + ":" + id))
}

func decodeCursor(c string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return 0, "", ErrInvalidCursor
	}
	pub, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	return pub, id, nil
}
