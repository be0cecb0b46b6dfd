// Package idgen provides pluggable ID generation for newsagg.
//
// Runtime identifiers (refresh cycles, fetch log rows) are UUIDv7 so that
// they sort by creation time. Article IDs are content-derived and live in
// the dedup package, not here.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "cyc_", "flg_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Cycle produces refresh cycle identifiers.
var Cycle Generator = Prefixed("cyc_", UUIDv7())
