package pipeline

import (
	"fmt"

	"github.com/fetchkit/crawlkit/errs"
)

// Middleware is a two-phase operation wrapping the user handler
// (spec.md §4.8). Setup runs to produce an enriched Context; Cleanup
// runs exactly once on the way out, in reverse order of setup,
// regardless of whether the handler (or a later middleware's setup)
// succeeded. Cleanup may observe the error that caused unwinding, or
// nil on a clean run.
type Middleware struct {
	Name    string
	Setup   func(ctx *Context) (*Context, error)
	Cleanup func(ctx *Context, err error) error
}

// Pipeline composes an ordered list of middlewares around a user
// handler (spec.md §4.8, §9 design note on generator-shaped
// middleware).
type Pipeline struct {
	middlewares []Middleware
}

// New builds a Pipeline from middlewares, run in the given order for
// setup and the reverse order for cleanup.
func New(middlewares ...Middleware) *Pipeline {
	return &Pipeline{middlewares: middlewares}
}

type setupFrame struct {
	mw  Middleware
	ctx *Context
}

// Run drives base through every middleware's setup phase, then the
// handler, then every middleware's cleanup phase in reverse (spec.md
// §4.8, §8 property 9).
//
// Failure taxonomy (spec.md §4.8):
//   - a Setup error wraps to *errs.ContextPipelineInitializationError,
//     unless it is already an *errs.ContextPipelineInterruptedError, in
//     which case the handler is skipped but the request is not failed.
//   - a handler error wraps to *errs.RequestHandlerError.
//   - a Cleanup error wraps to *errs.ContextPipelineFinalizationError.
func (p *Pipeline) Run(base *Context, handler func(*Context) error) error {
	cur := base
	frames := make([]setupFrame, 0, len(p.middlewares))

	var setupErr error
	var interrupted *errs.ContextPipelineInterruptedError

	for _, mw := range p.middlewares {
		next, err := mw.Setup(cur)
		if err != nil {
			if ie, ok := err.(*errs.ContextPipelineInterruptedError); ok {
				interrupted = ie
				frames = append(frames, setupFrame{mw: mw, ctx: cur})
				break
			}
			setupErr = &errs.ContextPipelineInitializationError{Middleware: mw.Name, Err: err}
			frames = append(frames, setupFrame{mw: mw, ctx: cur})
			break
		}
		frames = append(frames, setupFrame{mw: mw, ctx: next})
		cur = next
	}

	var handlerErr error
	if setupErr == nil && interrupted == nil {
		if herr := handler(cur); herr != nil {
			handlerErr = &errs.RequestHandlerError{RequestKey: cur.Req.UniqueKey, Err: herr}
		}
	}

	unwindErr := setupErr
	if handlerErr != nil {
		unwindErr = handlerErr
	}
	if interrupted != nil {
		unwindErr = interrupted
	}

	var finalizeErr error
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.mw.Cleanup == nil {
			continue
		}
		finalizeErr = runCleanup(f, unwindErr, finalizeErr)
	}

	switch {
	case handlerErr != nil:
		return handlerErr
	case setupErr != nil:
		return setupErr
	case interrupted != nil:
		cur.Skipped = true
		cur.SkippedReason = interrupted.Reason
		return interrupted
	case finalizeErr != nil:
		return finalizeErr
	default:
		return nil
	}
}

// runCleanup invokes f's Cleanup, recovering a panic into a
// ContextPipelineFinalizationError so one misbehaving middleware can't
// abort the rest of the unwind, and keeps the first finalize error seen
// (first cause wins; later cleanups still run).
func runCleanup(f setupFrame, unwindErr error, prevFinalizeErr error) (finalizeErr error) {
	finalizeErr = prevFinalizeErr
	defer func() {
		if r := recover(); r != nil && prevFinalizeErr == nil {
			finalizeErr = &errs.ContextPipelineFinalizationError{Middleware: f.mw.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if cerr := f.mw.Cleanup(f.ctx, unwindErr); cerr != nil && prevFinalizeErr == nil {
		finalizeErr = &errs.ContextPipelineFinalizationError{Middleware: f.mw.Name, Err: cerr}
	}
	return finalizeErr
}
