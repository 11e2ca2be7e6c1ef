package mdwn

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a resolution failure. The string form appears verbatim in
// error bodies returned to callers.
type Kind string

// Failure kinds surfaced by the resolution pipeline.
const (
	KindInvalidTarget          Kind = "INVALID_TARGET"
	KindBlocked                Kind = "BLOCKED"
	KindTimeout                Kind = "TIMEOUT"
	KindTooLarge               Kind = "TOO_LARGE"
	KindTooManyRedirects       Kind = "TOO_MANY_REDIRECTS"
	KindUnreachable            Kind = "UNREACHABLE"
	KindUnsupportedMedia       Kind = "UNSUPPORTED_MEDIA"
	KindExtractionFailed       Kind = "EXTRACTION_FAILED"
	KindRecursionDepthExceeded Kind = "RECURSION_DEPTH_EXCEEDED"
	KindUpstreamStatus         Kind = "UPSTREAM_STATUS"
	KindInternal               Kind = "INTERNAL"
)

// Error is the typed failure returned by every stage. Failures are never cached.
type Error struct {
	Kind    Kind
	Message string
	// Status carries the upstream HTTP status for KindUpstreamStatus.
	Status int
	Err    error
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// UpstreamStatus builds the error for a non-2xx upstream response.
func UpstreamStatus(status int, rawURL string) *Error {
	return &Error{
		Kind:    KindUpstreamStatus,
		Status:  status,
		Message: fmt.Sprintf("upstream returned %d %s for %s", status, http.StatusText(status), rawURL),
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to the status returned to proxy callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidTarget:
		return http.StatusBadRequest
	case KindBlocked:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindTooManyRedirects, KindUnreachable:
		return http.StatusBadGateway
	case KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case KindExtractionFailed:
		return http.StatusUnprocessableEntity
	case KindRecursionDepthExceeded:
		return http.StatusLoopDetected
	case KindUpstreamStatus:
		switch e.Status {
		case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether repeating the same request later may succeed.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindTimeout, KindUnreachable:
		return true
	case KindUpstreamStatus:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// Body renders the plain-text error body: "ERROR: <KIND>: <message>\n".
func (e *Error) Body() string {
	return fmt.Sprintf("ERROR: %s: %s\n", e.Kind, e.Message)
}

// AsError extracts an *Error from err, converting unknown errors to KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return Wrap(KindInternal, err, "internal error")
}

// KindOf returns the Kind of err, or "" when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
