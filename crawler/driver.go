// Package crawler implements the Crawler Driver (spec.md §4.10 C12) and
// the public Crawler facade that wires every other package together
// into a runnable crawl.
//
// runOne's acquire-resource / bounded-context / recover / report shape
// is grounded on server/worker_pool.go's processTask, generalized from
// "dial one device over RPC" to "fetch one URL through a rotating
// session/proxy pair, classify the outcome, and decide retry, rotate,
// or fail".
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fetchkit/crawlkit/autoscale"
	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/errs"
	"github.com/fetchkit/crawlkit/pipeline"
	"github.com/fetchkit/crawlkit/proxy"
	"github.com/fetchkit/crawlkit/request"
	"github.com/fetchkit/crawlkit/router"
	"github.com/fetchkit/crawlkit/session"
	"github.com/fetchkit/crawlkit/stats"
	"github.com/fetchkit/crawlkit/throttle"
)

// rotationsKey stashes the session-rotation counter on Request.UserData,
// since request.Request has no dedicated field for it (spec.md §8
// property 8: rotating sessions must not consume the retry budget, so
// it needs a counter of its own).
const rotationsKey = "__crawlkit_session_rotations"

// Config bounds the driver's retry/session/rate behavior (spec.md
// §4.10, §6).
type Config struct {
	MaxRequestRetries     int
	MaxSessionRotations   int
	RequestHandlerTimeout time.Duration

	// KeepAlive, when true, keeps the crawl running once the queue
	// drains (spec.md §4.5), waiting for more requests from a Loader or
	// an external AddRequests call. It does NOT override
	// MaxRequestsPerCrawl: once that cap is hit the driver stops
	// regardless (see DESIGN.md open question (b)).
	KeepAlive           bool
	MaxRequestsPerCrawl int // 0 means unbounded

	// ErrorStatusCodes are HTTP statuses the fetch middleware treats as
	// retryable failures (KindHTTPStatus). RateLimitStatusCodes are
	// treated as KindRateLimit instead.
	ErrorStatusCodes     []int
	RateLimitStatusCodes []int

	UseSessionPool bool
}

// DefaultConfig mirrors crawlee's own defaults for these knobs.
func DefaultConfig() Config {
	return Config{
		MaxRequestRetries:     3,
		MaxSessionRotations:   5,
		RequestHandlerTimeout: 60 * time.Second,
		ErrorStatusCodes:      []int{500, 502, 503, 504},
		RateLimitStatusCodes:  []int{429},
		UseSessionPool:        true,
	}
}

// ErrorHandler is invoked with HTTP-status (KindHTTPStatus) and
// parse/handler (KindHandler) failures before the driver decides
// retry/rotate/fail; other kinds never reach it. Returning a non-nil error
// escalates to KindUserHandlerFatal, aborting the crawl (spec.md §4.10).
type ErrorHandler func(ctx *pipeline.Context, err error) error

// FailedRequestHandler is invoked once a request exhausts its retry
// budget or hits a non-retryable failure (spec.md §4.10).
type FailedRequestHandler func(ctx *pipeline.Context, err error)

// Deps bundles every collaborator and component the Driver depends on.
// Supplying nil for Sessions/Proxies/Events/Dataset/KV is valid: those
// features are simply disabled.
type Deps struct {
	Queue     collaborator.RequestQueueStore
	Sessions  *session.Pool
	Proxies   *proxy.Coordinator
	Throttler *throttle.Throttler
	Router    *router.Router
	Stats     *stats.Stats
	Events    collaborator.EventManager

	Dataset   collaborator.Dataset
	KV        collaborator.KeyValueStore
	Transport collaborator.Transport
	Parser    collaborator.Parser

	// Middlewares are inserted between the built-in fetch middleware and
	// the router-dispatched handler (spec.md §4.8).
	Middlewares []pipeline.Middleware

	OnError  ErrorHandler
	OnFailed FailedRequestHandler
}

// Driver runs the fetch→session→proxy→pipeline→commit/retry/fail loop
// for one request at a time; autoscale.Pool calls RunOne concurrently
// from as many workers as it currently wants running (spec.md §4.10,
// §5).
type Driver struct {
	cfg  Config
	deps Deps
	pipe *pipeline.Pipeline

	pool *autoscale.Pool

	committed int64
}

// NewDriver builds a Driver. pool is used only to call Stop once
// MaxRequestsPerCrawl is reached; it may be nil if the caller manages
// its own termination.
func NewDriver(cfg Config, deps Deps, pool *autoscale.Pool) *Driver {
	if cfg.MaxRequestRetries <= 0 && cfg.MaxSessionRotations <= 0 {
		cfg = DefaultConfig()
	}
	mws := append([]pipeline.Middleware{fetchMiddleware(deps, cfg)}, deps.Middlewares...)
	return &Driver{
		cfg:  cfg,
		deps: deps,
		pipe: pipeline.New(mws...),
		pool: pool,
	}
}

// HasQueuedWork reports whether the queue currently has pending work,
// for autoscale.Pool's scale-up decision (spec.md §4.7 step 2c).
func (d *Driver) HasQueuedWork() bool { return !d.deps.Queue.IsEmpty() }

// RunOne performs one fetch cycle, implementing spec.md §4.10's
// acquisition order (queue → throttle check → session → proxy) and its
// retry/rotate/fail decision tree. It is the WorkFunc autoscale.Pool
// drives its workers with.
func (d *Driver) RunOne(ctx context.Context) (autoscale.WorkResult, error) {
	if d.capReached() {
		if d.pool != nil {
			d.pool.Stop("requests limit reached")
		}
		return autoscale.WorkFinished, nil
	}
	if d.pool != nil {
		if stopped, _ := d.pool.StopRequested(); stopped {
			return autoscale.WorkFinished, nil
		}
	}

	req := d.deps.Queue.FetchNextRequest()
	if req == nil {
		if d.deps.Queue.IsFinished() {
			return autoscale.WorkFinished, nil
		}
		return autoscale.WorkNone, nil
	}

	if d.deps.Throttler != nil && d.deps.Throttler.IsThrottled(req.URL) {
		_ = d.deps.Queue.ReclaimRequest(req, false)
		return autoscale.WorkNone, nil
	}

	sess, collision := d.acquireSession(req)
	if collision {
		d.failPermanently(pipeline.NewContext(req, d.deps.Queue, d.deps.Dataset, d.deps.KV, d.deps.Transport, d.deps.Parser),
			&errs.RequestCollisionError{SessionID: req.SessionID}, 0)
		return autoscale.WorkDone, nil
	}

	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}
	var proxyInfo proxy.Info
	if d.deps.Proxies != nil {
		var err error
		proxyInfo, err = d.deps.Proxies.Select(sessionID, req.URL)
		if err != nil {
			log.Printf("[driver] proxy select failed for %s: %v", req.URL, err)
		}
	}

	pctx := pipeline.NewContext(req, d.deps.Queue, d.deps.Dataset, d.deps.KV, d.deps.Transport, d.deps.Parser)
	if sess != nil {
		pctx = pctx.WithSession(sess)
	}
	pctx = pctx.WithProxy(proxyInfo)

	reqCtx := ctx
	var cancel context.CancelFunc
	if d.cfg.RequestHandlerTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestHandlerTimeout)
	}
	pctx = pctx.WithContext(reqCtx)

	start := time.Now()
	runErr := d.pipe.Run(pctx, d.handlerFor(req))
	if cancel != nil {
		cancel()
	}
	duration := time.Since(start)

	return d.settle(pctx, req, sess, proxyInfo, runErr, duration)
}

// handlerFor returns the user-layer handler dispatched by label
// (spec.md §4.8).
func (d *Driver) handlerFor(req *request.Request) func(*pipeline.Context) error {
	return func(ctx *pipeline.Context) error {
		if d.deps.Router == nil {
			return nil
		}
		h, err := d.deps.Router.Dispatch(req.Label())
		if err != nil {
			return err
		}
		return h(ctx)
	}
}

// acquireSession resolves the session to use for req (spec.md §4.4,
// §4.10). collision is true when req is bound to a session_id the pool
// no longer recognizes as usable.
func (d *Driver) acquireSession(req *request.Request) (s *session.Session, collision bool) {
	if d.deps.Sessions == nil {
		return nil, false
	}
	if req.SessionID != "" {
		s = d.deps.Sessions.GetSessionByID(req.SessionID)
		return s, s == nil
	}
	if !d.cfg.UseSessionPool {
		return nil, false
	}
	return d.deps.Sessions.GetSession(), false
}

// settle classifies the pipeline's outcome and applies spec.md §4.10's
// decision tree.
func (d *Driver) settle(ctx *pipeline.Context, req *request.Request, sess *session.Session, p proxy.Info, runErr error, duration time.Duration) (autoscale.WorkResult, error) {
	if runErr == nil {
		d.succeed(ctx, req, sess, p, duration)
		return autoscale.WorkDone, nil
	}

	var interrupted *errs.ContextPipelineInterruptedError
	if errors.As(runErr, &interrupted) {
		// A middleware chose to skip the handler (e.g. robots.txt
		// disallow): handled, not failed (spec.md §4.8).
		// It is not counted in requests_finished.
		_ = d.deps.Queue.MarkRequestAsHandled(req)
		d.markCommitted()
		return autoscale.WorkDone, nil
	}

	kind, crawlErr := classify(runErr)

	// error_handler is only surfaced for HTTP-status and parse/handler
	// errors (spec.md §7: "transport, rate-limit, and session errors are
	// recovered locally by the driver"); calling it for those would let
	// an OnError tuned for a specific status abort the crawl on an
	// unrelated transport hiccup or session rotation.
	if d.deps.OnError != nil && (kind == errs.KindHTTPStatus || kind == errs.KindHandler) {
		if ferr := d.deps.OnError(ctx, runErr); ferr != nil {
			if d.pool != nil {
				d.pool.Abort()
			}
			return autoscale.WorkFinished, fmt.Errorf("crawler: fatal error handler: %w", ferr)
		}
	}

	switch kind {
	case errs.KindSession:
		return d.handleSessionError(ctx, req, sess, runErr, duration)
	case errs.KindRateLimit:
		return d.handleRateLimit(req, crawlErr)
	case errs.KindProxy:
		if d.deps.Proxies != nil && sess != nil {
			d.deps.Proxies.ReportFailure(sess.ID, req.URL)
		}
		return d.retryOrFail(ctx, req, runErr, duration)
	case errs.KindUserHandlerFatal:
		if d.pool != nil {
			d.pool.Abort()
		}
		return autoscale.WorkFinished, runErr
	default:
		return d.retryOrFail(ctx, req, runErr, duration)
	}
}

func (d *Driver) succeed(ctx *pipeline.Context, req *request.Request, sess *session.Session, p proxy.Info, duration time.Duration) {
	_ = d.deps.Queue.MarkRequestAsHandled(req)
	d.markCommitted()
	if sess != nil {
		sess.MarkGood()
	}
	if d.deps.Proxies != nil && sess != nil {
		d.deps.Proxies.ReportSuccess(sess.ID, req.URL)
	}
	if d.deps.Throttler != nil {
		d.deps.Throttler.RecordSuccess(req.URL)
	}
	if d.deps.Stats != nil {
		d.deps.Stats.RecordFinished(req.RetryCount, duration)
	}
}

// handleSessionError rotates the session without consuming a retry slot
// (spec.md §8 property 8), up to MaxSessionRotations; beyond that it
// falls through to the ordinary retry/fail path.
func (d *Driver) handleSessionError(ctx *pipeline.Context, req *request.Request, sess *session.Session, cause error, duration time.Duration) (autoscale.WorkResult, error) {
	if sess != nil {
		sess.MarkBad()
		if d.deps.Sessions != nil {
			d.deps.Sessions.Retire(sess)
		}
	}

	rotations, _ := req.UserData[rotationsKey].(int)
	if rotations < d.cfg.MaxSessionRotations {
		req.UserData[rotationsKey] = rotations + 1
		req.SessionID = ""
		_ = d.deps.Queue.ReclaimRequest(req, true)
		return autoscale.WorkDone, nil
	}
	return d.retryOrFail(ctx, req, cause, duration)
}

// handleRateLimit registers the backoff and reclaims without consuming
// a retry slot: a 429 is the site asking to slow down, not a defect in
// the request (spec.md §4.3, §4.10).
func (d *Driver) handleRateLimit(req *request.Request, crawlErr *errs.CrawlError) (autoscale.WorkResult, error) {
	var retryAfter time.Duration
	if crawlErr != nil && crawlErr.RetryAfter != "" {
		if secs, err := time.ParseDuration(crawlErr.RetryAfter + "s"); err == nil {
			retryAfter = secs
		}
	}
	if d.deps.Throttler != nil {
		d.deps.Throttler.RecordRateLimit(req.URL, retryAfter)
	}
	_ = d.deps.Queue.ReclaimRequest(req, false)
	return autoscale.WorkDone, nil
}

// retryOrFail consumes a retry slot, reclaiming req if it has budget
// left or failing it permanently otherwise (spec.md §8 property 7).
func (d *Driver) retryOrFail(ctx *pipeline.Context, req *request.Request, cause error, duration time.Duration) (autoscale.WorkResult, error) {
	maxRetries := d.cfg.MaxRequestRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}
	req.RetryCount++
	if req.NoRetry || req.RetryCount > maxRetries {
		d.failPermanently(ctx, cause, duration)
		return autoscale.WorkDone, nil
	}
	_ = d.deps.Queue.ReclaimRequest(req, false)
	return autoscale.WorkDone, nil
}

func (d *Driver) failPermanently(ctx *pipeline.Context, cause error, duration time.Duration) {
	req := ctx.Req
	_ = d.deps.Queue.MarkRequestAsHandled(req)
	req.State = request.StateFailed
	d.markCommitted()
	if d.deps.Stats != nil {
		d.deps.Stats.RecordFailed(duration, cause)
	}
	if d.deps.OnFailed != nil {
		d.deps.OnFailed(ctx, cause)
	}
	log.Printf("[driver] request %s permanently failed: %v", req.UniqueKey, cause)
}

func (d *Driver) capReached() bool {
	if d.cfg.MaxRequestsPerCrawl <= 0 {
		return false
	}
	return d.committed >= int64(d.cfg.MaxRequestsPerCrawl)
}

func (d *Driver) markCommitted() { d.committed++ }

// classify maps a pipeline error to its errs.Kind, unwrapping the
// pipeline's own wrapper types to reach an inner *errs.CrawlError where
// one exists (spec.md §7).
func classify(err error) (errs.Kind, *errs.CrawlError) {
	var ce *errs.CrawlError
	if errors.As(err, &ce) {
		return ce.Kind, ce
	}
	var rhe *errs.RequestHandlerError
	if errors.As(err, &rhe) {
		return errs.KindHandler, nil
	}
	var ie *errs.ContextPipelineInitializationError
	if errors.As(err, &ie) {
		return errs.KindPipelineInit, nil
	}
	var fe *errs.ContextPipelineFinalizationError
	if errors.As(err, &fe) {
		return errs.KindPipelineFinalize, nil
	}
	return errs.KindHandler, nil
}
