package dedup

import (
	"strings"
	"unicode"

	minhashlsh "github.com/ekzhu/minhash-lsh"
)

const (
	minhashSize = 128
	// minhashSeed is fixed so that signatures of stored articles computed
	// in different cycles are comparable.
	minhashSeed = 1
)

// Signature is a MinHash signature over word shingles.
type Signature []uint64

// Sign computes the signature of text with shingles of k words. Texts
// shorter than k words form a single shingle.
func Sign(text string, k int) Signature {
	if k <= 0 {
		k = 3
	}
	words := strings.FieldsFunc(normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	mh := minhashlsh.NewMinhash(minhashSeed, minhashSize)
	switch {
	case len(words) == 0:
	case len(words) < k:
		mh.Push([]byte(strings.Join(words, " ")))
	default:
		for i := 0; i+k <= len(words); i++ {
			mh.Push([]byte(strings.Join(words[i:i+k], " ")))
		}
	}
	return Signature(mh.Signature())
}

// Similarity estimates the Jaccard similarity of the shingle sets as the
// share of equal signature slots.
func (s Signature) Similarity(o Signature) float64 {
	n := min(len(s), len(o))
	if n == 0 {
		return 0
	}
	same := 0
	for i := range n {
		if s[i] == o[i] {
			same++
		}
	}
	return float64(same) / float64(n)
}

func hasWords(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}
