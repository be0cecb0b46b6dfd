// Package dbopen opens the newsagg SQLite database (modernc.org/sqlite)
// with WAL, foreign keys, a busy timeout and synchronous=NORMAL.
//
// File databases carry the pragmas in the DSN so that every pooled
// connection gets them.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("news.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

type settings struct {
	busyMs   int
	mkdirAll bool
	maxOpen  int
	schemas  []string
}

// Option customises Open.
type Option func(*settings)

// WithBusyTimeout sets busy_timeout in milliseconds. Default 10000.
func WithBusyTimeout(ms int) Option { return func(s *settings) { s.busyMs = ms } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithSchema runs ddl after the pragmas. May be given several times.
func WithSchema(ddl string) Option { return func(s *settings) { s.schemas = append(s.schemas, ddl) } }

type pragma struct{ name, value string }

func (s *settings) pragmas() []pragma {
	return []pragma{
		{"foreign_keys", "ON"},
		{"journal_mode", "WAL"},
		{"busy_timeout", strconv.Itoa(s.busyMs)},
		{"synchronous", "NORMAL"},
	}
}

// dsn renders the pragmas as modernc _pragma=name(value) parameters.
func (s *settings) dsn(path string) string {
	q := url.Values{}
	for _, p := range s.pragmas() {
		q.Add("_pragma", p.name+"("+p.value+")")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens the database at path, or an in-memory one for ":memory:".
// The caller blank-imports modernc.org/sqlite.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{busyMs: 10_000}
	for _, o := range opts {
		o(&s)
	}

	dsn := path
	if path != ":memory:" {
		if s.mkdirAll {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("dbopen: mkdir: %w", err)
			}
		}
		dsn = s.dsn(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if s.maxOpen > 0 {
		db.SetMaxOpenConns(s.maxOpen)
	}
	if err := setup(db, &s); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// setup runs the pragmas on the first connection, which is the only one
// for in-memory databases, then the schemas, then pings.
func setup(db *sql.DB, s *settings) error {
	for _, p := range s.pragmas() {
		if _, err := db.Exec("PRAGMA " + p.name + " = " + p.value); err != nil {
			return fmt.Errorf("dbopen: pragma %s: %w", p.name, err)
		}
	}
	for _, ddl := range s.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	return nil
}

// OpenMemory opens an in-memory database closed by t.Cleanup. The pool is
// pinned to one connection since each ":memory:" connection is a separate
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	opts = append([]Option{func(s *settings) { s.maxOpen = 1 }}, opts...)
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
