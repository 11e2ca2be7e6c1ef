// Package sha256 derives strong entity tags from response bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Tagger computes entity tags from a truncated SHA-256 digest.
type Tagger struct{}

// New returns a SHA-256 tagger.
func New() *Tagger {
	return &Tagger{}
}

// Tag returns a quoted strong entity tag for body.
func (t *Tagger) Tag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// Match reports whether an If-None-Match header value matches tag using the
// weak comparison GET requests call for.
func Match(header, tag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	want := strings.TrimPrefix(tag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == want {
			return true
		}
	}
	return false
}
