// CLAUDE:SUMMARY Content hash and stable article id derivation.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// ContentHash returns the hex SHA-256 of the normalized title and body
// joined by NUL. Normalization lowercases, collapses Unicode whitespace
// runs to one space and trims.
func ContentHash(title, body string) string {
	h := sha256.Sum256([]byte(normalize(title) + "\x00" + normalize(body)))
	return hex.EncodeToString(h[:])
}

// ArticleID derives the id assigned at first ingestion.
func ArticleID(canonicalURL, contentHash string) string {
	h := sha256.Sum256([]byte(canonicalURL + "\x00" + contentHash))
	return "art_" + hex.EncodeToString(h[:])[:24]
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
