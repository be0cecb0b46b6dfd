package shield

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema defines the rate_limits table read by RateLimiter. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Rule is one rate limit row keyed by "METHOD /path".
type Rule struct {
	Endpoint      string
	MaxRequests   int
	WindowSeconds int
}

// Seed inserts rules that are not present yet. Rows edited by an operator
// are left untouched.
func Seed(ctx context.Context, db *sql.DB, rules []Rule) error {
	for _, r := range rules {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?,?,?,1)`,
			r.Endpoint, r.MaxRequests, r.WindowSeconds)
		if err != nil {
			return fmt.Errorf("seed rate limit %s: %w", r.Endpoint, err)
		}
	}
	return nil
}
