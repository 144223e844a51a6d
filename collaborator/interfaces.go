// Package collaborator declares the external interfaces the core
// consumes (spec.md §6). Transports, parsers, browser controllers, and
// storage backends are implemented outside the engine; the core only
// ever depends on these abstractions, never a concrete library.
package collaborator

import (
	"context"
	"time"

	"github.com/fetchkit/crawlkit/request"
)

// Response is what a Transport returns for one request.
type Response interface {
	StatusCode() int
	Headers() map[string][]string
	Read() ([]byte, error)
	HTTPVersion() string
	FinalURL() string
}

// Transport sends one request and returns a Response or an error. It
// must surface the Retry-After header through Headers() (spec.md §6).
type Transport interface {
	Send(ctx context.Context, method, url string, headers map[string][]string, body []byte, proxyURL string) (Response, error)
}

// Parsed is an opaque parsed-document handle returned by Parser.Parse.
type Parsed interface{}

// Parser turns raw bytes into a Parsed document and can extract links or
// test a CSS/XPath-shaped selector against it (spec.md §6).
type Parser interface {
	Parse(body []byte) (Parsed, error)
	FindLinks(doc Parsed, selector string) ([]string, error)
	Match(doc Parsed, selector string) (bool, error)
}

// Page is a single browser tab/page handle (spec.md §6, optional
// collaborator).
type Page interface {
	Goto(ctx context.Context, url string) error
	Close() error
}

// BrowserController launches pages against a capacity-bounded browser
// pool.
type BrowserController interface {
	NewPage(ctx context.Context, opts map[string]any) (Page, error)
	Capacity() int
}

// DatasetPage is one page of dataset items, as returned by GetData.
type DatasetPage struct {
	Items      []map[string]any
	Offset     int
	Limit      int
	Total      int
}

// Dataset stores structured crawl results (spec.md §6).
type Dataset interface {
	PushData(ctx context.Context, items ...map[string]any) error
	GetData(ctx context.Context, offset, limit int, desc bool) (DatasetPage, error)
	Export(ctx context.Context, format string) ([]byte, error)
}

// KeyValueStore stores small named blobs, used for session-pool and
// statistics snapshots (spec.md §6).
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	IterateKeys(ctx context.Context) ([]string, error)
}

// RequestQueueStore is the capability the driver and pipeline need from
// a Request Queue, factored out as an interface (spec.md §6) so
// *queue.Queue is swappable for an alternative backing store without
// the driver depending on its concrete type. queue.Queue satisfies this
// directly; only AddResult's field shape needs to line up.
type RequestQueueStore interface {
	AddRequest(req *request.Request, forefront bool) AddResult
	FetchNextRequest() *request.Request
	ReclaimRequest(req *request.Request, forefront bool) error
	MarkRequestAsHandled(req *request.Request) error
	IsEmpty() bool
	IsFinished() bool
}

// AddResult mirrors queue.AddResult's relevant fields so collaborator
// does not need to import the queue package back.
type AddResult struct {
	UniqueKey         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// Event names published over an EventManager (spec.md §6).
const (
	EventSystemInfo   = "system_info"
	EventPersistState = "persist_state"
	EventMigrating    = "migrating"
	EventAborting     = "aborting"
	EventExit         = "exit"
)

// EventManager publishes and subscribes to the fixed set of lifecycle
// events named above.
type EventManager interface {
	Emit(event string, payload any)
	Subscribe(event string) (ch <-chan any, unsubscribe func())
}

// Clock abstracts time.Now so components can be tested deterministically
// without a concrete collaborator of their own; the default is
// time.Now.
type Clock func() time.Time
