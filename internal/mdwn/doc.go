// Package mdwn holds the domain types shared by the fetch, classification,
// extraction, caching, and orchestration stages of the markdown proxy: the
// resolved Result with its provenance, the bounded FetchOutcome, the typed
// Error kinds, and the helpers that turn caller input into fetchable URLs and
// cache keys.
package mdwn
