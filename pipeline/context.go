// Package pipeline implements the Context Pipeline (C9) and its
// per-request Context (spec.md §4.8).
//
// The two-phase (setup, cleanup) middleware and its reverse-order
// unwind is modeled the way server/worker_pool.go's processTask wraps
// one task in defer-stacked panic recovery and timeout-context
// cancellation — generalized here to a stack of such defer-shaped
// cleanups instead of one.
package pipeline

import (
	"context"
	"log"
	"net/url"
	"sync"

	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/proxy"
	"github.com/fetchkit/crawlkit/request"
	"github.com/fetchkit/crawlkit/session"
)

// AddRequester is the queue capability a Context needs to enqueue new
// requests discovered while handling one (spec.md §4.8: add_requests,
// enqueue_links). *queue.Queue satisfies this directly, since
// collaborator.AddResult is the return type both packages share.
type AddRequester interface {
	AddRequest(req *request.Request, forefront bool) collaborator.AddResult
}

// AddOutcome is an alias kept for callers that named the return type
// before it was unified with collaborator.AddResult.
type AddOutcome = collaborator.AddResult

// Context is the per-request capability bundle passed to middlewares
// and the user handler (spec.md §4.8).
type Context struct {
	// Ctx is the request-scoped context.Context (deadline, cancellation)
	// for this invocation, set by the driver before Run and available to
	// every middleware's Setup/Cleanup and the handler (spec.md §4.10
	// RequestHandlerTimeout).
	Ctx      context.Context
	Req      *request.Request
	Session  *session.Session
	Proxy    proxy.Info
	Log      *log.Logger
	Response collaborator.Response
	Doc      collaborator.Parsed

	queueAdder AddRequester
	dataset    collaborator.Dataset
	kv         collaborator.KeyValueStore
	transport  collaborator.Transport
	parser     collaborator.Parser

	mu          sync.Mutex
	userState   map[string]any
	pushedItems []map[string]any

	// Skipped and SkippedReason are set by Pipeline.Run, on the Context
	// current when a middleware raised
	// errs.ContextPipelineInterruptedError, to record that the handler
	// was skipped and why.
	Skipped       bool
	SkippedReason string
}

// NewContext builds a base Context for req. Middlewares enrich it by
// returning a new *Context (typically a shallow copy with one field
// changed) from their Setup function.
func NewContext(req *request.Request, adder AddRequester, dataset collaborator.Dataset, kv collaborator.KeyValueStore, transport collaborator.Transport, parser collaborator.Parser) *Context {
	return &Context{
		Ctx:        context.Background(),
		Req:        req,
		queueAdder: adder,
		dataset:    dataset,
		kv:         kv,
		transport:  transport,
		parser:     parser,
		userState:  make(map[string]any),
		Log:        log.Default(),
	}
}

// clone returns a shallow copy, so a middleware can return an enriched
// Context without mutating the one its caller still holds a reference
// to.
func (c *Context) clone() *Context {
	cp := *c
	return &cp
}

// WithSession returns a copy of c bound to s.
func (c *Context) WithSession(s *session.Session) *Context {
	cp := c.clone()
	cp.Session = s
	return cp
}

// WithContext returns a copy of c carrying ctx as its request-scoped
// context.Context.
func (c *Context) WithContext(ctx context.Context) *Context {
	cp := c.clone()
	cp.Ctx = ctx
	return cp
}

// WithProxy returns a copy of c bound to p.
func (c *Context) WithProxy(p proxy.Info) *Context {
	cp := c.clone()
	cp.Proxy = p
	return cp
}

// WithResponse returns a copy of c carrying the fetched Response and its
// parsed document, set by the driver's fetch middleware once Transport
// and Parser have both run (spec.md §4.8, §4.10).
func (c *Context) WithResponse(resp collaborator.Response, doc collaborator.Parsed) *Context {
	cp := c.clone()
	cp.Response = resp
	cp.Doc = doc
	return cp
}

// PushData stages items for the Dataset collaborator. Per spec.md §9
// open question (a), this commits immediately rather than being
// transactional with the handler's return — matching the original
// crawlee behavior: pushed items are not rolled back if the handler
// later fails. See DESIGN.md.
func (c *Context) PushData(ctx context.Context, items ...map[string]any) error {
	c.mu.Lock()
	c.pushedItems = append(c.pushedItems, items...)
	c.mu.Unlock()
	if c.dataset == nil {
		return nil
	}
	return c.dataset.PushData(ctx, items...)
}

// AddRequests enqueues new requests discovered while handling req,
// returning the AddOutcome for each (spec.md §4.8 add_requests).
func (c *Context) AddRequests(reqs []*request.Request, forefront bool) []AddOutcome {
	out := make([]AddOutcome, len(reqs))
	for i, r := range reqs {
		if c.queueAdder == nil {
			continue
		}
		out[i] = c.queueAdder.AddRequest(r, forefront)
	}
	return out
}

// EnqueueLinks extracts links from doc via the Parser collaborator and
// enqueues one Request per link, relative to Req.URL (spec.md §4.8).
func (c *Context) EnqueueLinks(doc collaborator.Parsed, selector string, forefront bool) ([]AddOutcome, error) {
	if c.parser == nil {
		return nil, nil
	}
	links, err := c.parser.FindLinks(doc, selector)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(c.Req.URL)
	reqs := make([]*request.Request, 0, len(links))
	for _, link := range links {
		if base != nil {
			if ref, err := url.Parse(link); err == nil {
				link = base.ResolveReference(ref).String()
			}
		}
		r, err := request.New("GET", link, request.Options{})
		if err != nil {
			continue
		}
		reqs = append(reqs, r)
	}
	return c.AddRequests(reqs, forefront), nil
}

// GetKeyValueStore returns the Context's bound KeyValueStore
// collaborator, for handlers that need to read/write auxiliary blobs.
func (c *Context) GetKeyValueStore() collaborator.KeyValueStore { return c.kv }

// UseState returns the named piece of per-request user state,
// initializing it to init on first access (spec.md §4.8 use_state).
func (c *Context) UseState(name string, init any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.userState[name]; ok {
		return v
	}
	c.userState[name] = init
	return init
}

// SendRequest issues an HTTP-shaped request through the Context's bound
// Transport collaborator, using the Context's current proxy (spec.md
// §4.8 send_request). The session's cookies are not attached; headers
// are sent as given.
func (c *Context) SendRequest(ctx context.Context, method, url string, headers map[string][]string, body []byte) (collaborator.Response, error) {
	return c.transport.Send(ctx, method, url, headers, body, c.Proxy.URL())
}

// GetSnapshot returns the items pushed via PushData during this
// invocation so far (spec.md §4.8 get_snapshot). It does not reach into
// the autoscaled pool or system monitor: those are crawler-wide, not
// per-request, state.
func (c *Context) GetSnapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.pushedItems...)
}
