package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyBackoff is the wait before each retry of a BUSY statement.
var busyBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

func errContains(err error, subs ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsBusy reports an SQLITE_BUSY or locked error.
func IsBusy(err error) bool {
	return errContains(err, "SQLITE_BUSY", "database is locked", "database table is locked")
}

// IsConstraint reports a UNIQUE or PRIMARY KEY violation.
func IsConstraint(err error) bool {
	return errContains(err, "UNIQUE constraint failed", "PRIMARY KEY constraint failed", "SQLITE_CONSTRAINT")
}

// RunTx runs fn in a transaction, retrying the whole transaction while the
// database is busy. Errors from fn come back unchanged.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec is db.ExecContext with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func withBusyRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, wait := range busyBackoff {
		if !IsBusy(err) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: retry interrupted: %w", ctx.Err())
		case <-t.C:
		}
		err = fn()
	}
	return err
}
