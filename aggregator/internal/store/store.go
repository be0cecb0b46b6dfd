// Package store is the durable article and source store of newsagg.
//
// It wraps an already-opened SQLite database. Upsert is the only article
// write path; it serializes writes per canonical URL with a keyed lock so
// that writes to distinct articles run in parallel.
package store

import (
	"database/sql"
	"errors"
	"sync"
)

// ErrConflict is returned when a write violates the article uniqueness
// invariant, typically because another writer inserted the same URL first.
var ErrConflict = errors.New("store: article conflict")

// ErrNotFound is returned when a named row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the newsagg database.
type Store struct {
	DB    *sql.DB
	locks keyedMutex
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// keyedMutex hands out one mutex per key and forgets it once no goroutine
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
