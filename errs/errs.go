// Package errs defines the crawler's closed error taxonomy (spec.md §7).
//
// Every failure the driver reacts to is classified into one of a small set
// of kinds so retry/rotate/fail decisions can use errors.As instead of
// string matching, the way client/reconnect.go and client/driver.go in the
// teacher wrap lower-level errors with fmt.Errorf("...: %w", err) but never
// needed a closed taxonomy of their own (a single RPC call only ever fails
// one way). The crawler has ten failure kinds, so we give them a type.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a crawl failure. See spec.md §7 for the full taxonomy.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally produced.
	KindUnknown Kind = iota
	// KindSession marks a failure attributable to the active session
	// (blocked status code, transport-level block). Triggers rotation,
	// does not consume a retry slot.
	KindSession
	// KindProxy marks a failure attributable to the active proxy.
	// Triggers tier escalation and a retry.
	KindProxy
	// KindRateLimit marks a 429-equivalent response. Triggers a
	// throttler update and a delayed reclaim.
	KindRateLimit
	// KindTransport marks a connection/TLS/timeout failure. Counts as a
	// retry.
	KindTransport
	// KindHTTPStatus marks a configured error status code. Counts as a
	// retry unless NoRetry is set on the request.
	KindHTTPStatus
	// KindHandler marks a parse or user-handler error. Counts as a
	// retry by default.
	KindHandler
	// KindPipelineInit marks a middleware setup failure.
	KindPipelineInit
	// KindPipelineFinalize marks a middleware cleanup failure.
	KindPipelineFinalize
	// KindInterrupt is not a failure: a middleware asked to skip the
	// handler (e.g. robots.txt disallow). The request is marked
	// handled-skipped, not failed.
	KindInterrupt
	// KindUserHandlerFatal marks a panic/error raised from a
	// user-supplied error handler itself. Fatal: the driver aborts.
	KindUserHandlerFatal
	// KindServiceConflict marks a programmer error such as registering
	// the same router label twice.
	KindServiceConflict
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session_error"
	case KindProxy:
		return "proxy_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindTransport:
		return "transport_error"
	case KindHTTPStatus:
		return "http_status_error"
	case KindHandler:
		return "handler_error"
	case KindPipelineInit:
		return "pipeline_init_error"
	case KindPipelineFinalize:
		return "pipeline_finalize_error"
	case KindInterrupt:
		return "pipeline_interrupt"
	case KindUserHandlerFatal:
		return "user_handler_fatal"
	case KindServiceConflict:
		return "service_conflict"
	default:
		return "unknown"
	}
}

// CrawlError wraps an origin error with its Kind and enough context for
// the error tracker (stats.ErrorTracker) and the failed-request handler to
// report something useful, without forcing every caller to remember the
// request's unique key by hand.
type CrawlError struct {
	Kind       Kind
	RequestKey string
	RetryAfter string // raw Retry-After header value, if Kind == KindRateLimit
	Err        error
}

func New(kind Kind, requestKey string, err error) *CrawlError {
	return &CrawlError{Kind: kind, RequestKey: requestKey, Err: err}
}

func (e *CrawlError) Error() string {
	if e.RequestKey == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (request %s): %v", e.Kind, e.RequestKey, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// ContextPipelineInitializationError wraps an error raised by a
// middleware's setup phase (spec.md §4.8).
type ContextPipelineInitializationError struct {
	Middleware string
	Err        error
}

func (e *ContextPipelineInitializationError) Error() string {
	return fmt.Sprintf("context pipeline initialization failed in %s: %v", e.Middleware, e.Err)
}
func (e *ContextPipelineInitializationError) Unwrap() error { return e.Err }

// ContextPipelineFinalizationError wraps an error raised by a middleware's
// cleanup phase.
type ContextPipelineFinalizationError struct {
	Middleware string
	Err        error
}

func (e *ContextPipelineFinalizationError) Error() string {
	return fmt.Sprintf("context pipeline finalization failed in %s: %v", e.Middleware, e.Err)
}
func (e *ContextPipelineFinalizationError) Unwrap() error { return e.Err }

// RequestHandlerError wraps a panic/error raised by the user handler.
type RequestHandlerError struct {
	RequestKey string
	Err        error
}

func (e *RequestHandlerError) Error() string {
	return fmt.Sprintf("request handler failed for %s: %v", e.RequestKey, e.Err)
}
func (e *RequestHandlerError) Unwrap() error { return e.Err }

// ContextPipelineInterruptedError is raised deliberately by a middleware
// during setup to skip the handler without marking the request failed.
type ContextPipelineInterruptedError struct {
	Reason string
}

func (e *ContextPipelineInterruptedError) Error() string {
	return fmt.Sprintf("pipeline interrupted: %s", e.Reason)
}

// RequestCollisionError is raised when a request is bound to a session_id
// that no longer exists in the pool (spec.md §4.4).
type RequestCollisionError struct {
	SessionID string
}

func (e *RequestCollisionError) Error() string {
	return fmt.Sprintf("session %q is no longer available (request collision)", e.SessionID)
}
