package mdwn

import (
	"context"
	"net/url"
	"time"
)

// Provenance records whether markdown came from the publisher or was derived
// from HTML by the extractor.
type Provenance string

// Supported provenance values. The string form is the X-Mdwn-Source header value.
const (
	ProvenanceNative    Provenance = "native"
	ProvenanceConverted Provenance = "converted"
)

// Valid reports whether p is one of the known provenance values.
func (p Provenance) Valid() bool {
	return p == ProvenanceNative || p == ProvenanceConverted
}

// MarkdownContentType is the media type served for every successful resolution.
const MarkdownContentType = "text/markdown; charset=utf-8"

// Result is the outcome of a successful resolution. Once produced it is never
// mutated; the cache hands the same value to every caller for the key.
type Result struct {
	Markdown   string
	Provenance Provenance
	// ContentType is the normalized upstream media type that produced the markdown.
	ContentType string
	// SourceURL is the final URL the markdown was read from (after redirects and pointers).
	SourceURL string
}

// FetchOutcome is a bounded upstream response. Body never exceeds the
// configured maximum and Redirects never exceeds the configured cap.
type FetchOutcome struct {
	StatusCode  int
	ContentType string
	Body        []byte
	FinalURL    *url.URL
	Redirects   int
}

// Success reports whether the upstream answered with a 2xx status.
func (o FetchOutcome) Success() bool {
	return o.StatusCode >= 200 && o.StatusCode < 300
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Resolver turns a caller-supplied URL (optionally followed by "?query")
// into markdown. The pipeline satisfies it; the HTTP handler and the CLI
// depend only on this interface.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (Response, error)
}

// Response pairs a Result with how the cache produced it.
type Response struct {
	Result Result
	// Cache is "hit", "miss", or "shared".
	Cache string
	// Key is the normalized cache key of the requested URL.
	Key string
}
