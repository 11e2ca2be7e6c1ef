// Package progress carries resolution lifecycle events from the pipeline to
// observers (logs, metrics, message topics) without ever blocking a request.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageResolveStart Stage = "RESOLVE_START"
	StageCacheHit     Stage = "CACHE_HIT"
	StageFetchDone    Stage = "FETCH_DONE"
	StageResolveDone  Stage = "RESOLVE_DONE"
	StageResolveError Stage = "RESOLVE_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a single resolution.
type Event struct {
	// ResolutionID groups the events of one Resolve call (16-byte UUID form).
	ResolutionID [16]byte
	TS           time.Time
	Stage        Stage
	// Host is the upstream host for fetch events.
	Host string
	// URL is the requested or fetched URL; it never contains credentials.
	URL string
	// Key is the normalized cache key.
	Key         string
	Bytes       int64
	StatusClass StatusClass
	// Provenance is "native" or "converted" on RESOLVE_DONE.
	Provenance string
	// Cache is "hit", "miss", or "shared" on RESOLVE_DONE.
	Cache string
	// Kind is the error kind on RESOLVE_ERROR.
	Kind string
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ResolutionID == [16]byte{} {
		return errors.New("resolution id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageResolveStart, StageCacheHit:
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageResolveDone:
		if e.Provenance == "" {
			return errors.New("resolve done requires provenance")
		}
	case StageResolveError:
		if e.Kind == "" {
			return errors.New("resolve error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ID returns the resolution ID as a uuid.UUID.
func (e Event) ID() uuid.UUID {
	return uuid.UUID(e.ResolutionID)
}

// Terminal reports whether the event closes a resolution.
func (e Event) Terminal() bool {
	return e.Stage == StageResolveDone || e.Stage == StageResolveError
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
