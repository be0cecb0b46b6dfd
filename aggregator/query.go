package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Page size bounds of ArticleQuery.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ArticleQuery is the transport-level article listing request shared by
// the HTTP and MCP surfaces. Dates are RFC3339 or YYYY-MM-DD; a bare
// date_to covers that whole day.
type ArticleQuery struct {
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Cursor   string   `json:"cursor"`
	Source   string   `json:"source"`
	Sources  []string `json:"sources"`
	Category string   `json:"category"`
	Language string   `json:"language"`
	DateFrom string   `json:"date_from"`
	DateTo   string   `json:"date_to"`
	Q        string   `json:"q"`
}

// ArticleList is one page of an ArticleQuery.
type ArticleList struct {
	Items      []*Article `json:"items"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Filter validates q and converts it to a store filter. Errors wrap
// ErrInvalidInput.
func (q ArticleQuery) Filter() (Filter, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.Page < 1 {
		return Filter{}, fmt.Errorf("%w: page must be >= 1", ErrInvalidInput)
	}
	if q.PageSize < 1 || q.PageSize > MaxPageSize {
		return Filter{}, fmt.Errorf("%w: page_size must be within [1, %d]", ErrInvalidInput, MaxPageSize)
	}
	f := Filter{
		Language: q.Language,
		Q:        q.Q,
		Limit:    q.PageSize,
		Offset:   (q.Page - 1) * q.PageSize,
		Cursor:   q.Cursor,
	}
	if q.Category != "" {
		f.Categories = []string{q.Category}
	}
	if q.Source != "" {
		f.Sources = append(f.Sources, q.Source)
	}
	for _, s := range q.Sources {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Sources = append(f.Sources, part)
			}
		}
	}
	if q.DateFrom != "" {
		t, err := parseDate(q.DateFrom, false)
		if err != nil {
			return Filter{}, err
		}
		f.Since = t.UnixMilli()
	}
	if q.DateTo != "" {
		t, err := parseDate(q.DateTo, true)
		if err != nil {
			return Filter{}, err
		}
		f.Until = t.UnixMilli()
	}
	return f, nil
}

func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: want RFC3339 or YYYY-MM-DD", ErrInvalidInput, s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// ListArticles runs an ArticleQuery.
func (svc *Service) ListArticles(ctx context.Context, q ArticleQuery) (*ArticleList, error) {
	f, err := q.Filter()
	if err != nil {
		return nil, err
	}
	page, err := svc.Articles(ctx, f)
	if err != nil {
		return nil, err
	}
	p := q.Page
	if p == 0 {
		p = 1
	}
	return &ArticleList{
		Items:      page.Articles,
		Total:      page.Total,
		Page:       p,
		PageSize:   f.Limit,
		NextCursor: page.NextCursor,
	}, nil
}
