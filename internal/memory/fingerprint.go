package memory

import (
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// NormalizeContent collapses whitespace in atom content
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// canonical lowercases and strips punctuation so trivially different
// phrasings of the same sentence hash alike
func canonical(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint returns the blake3 hash of the canonical form of content
func Fingerprint(content string) string {
	sum := blake3.Sum256([]byte(canonical(content)))
	return hex.EncodeToString(sum[:16])
}

// SetFingerprint hashes a set of contents independent of order
func SetFingerprint(contents []string) string {
	sorted := make([]string, len(contents))
	for i, c := range contents {
		sorted[i] = canonical(c)
	}
	sort.Strings(sorted)

	h := blake3.New()
	for _, c := range sorted {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Tokens returns the canonical word set of content
func Tokens(content string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(canonical(content)) {
		set[w] = true
	}
	return set
}

// Jaccard returns the token-set similarity of two strings
func Jaccard(a, b string) float64 {
	return JaccardSets(Tokens(a), Tokens(b))
}

// JaccardSets returns |a ∩ b| / |a ∪ b|
func JaccardSets(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
