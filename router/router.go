// Package router implements label-to-handler dispatch inside the user
// layer (spec.md §4.8 C10).
package router

import (
	"fmt"

	"github.com/fetchkit/crawlkit/pipeline"
)

// Handler processes one request's enriched Context.
type Handler func(ctx *pipeline.Context) error

// Router dispatches on Request.UserData["label"] (spec.md §4.8).
// Handlers are registered at most once per label; registering the same
// label twice is a programmer error, not a runtime error (spec.md §4.8,
// §7 kind 10 "service conflict").
type Router struct {
	handlers map[string]Handler
	def      Handler
	defSet   bool
}

// New creates an empty Router.
func New() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for label. Panics if label is already registered:
// re-registering a label is a programmer error caught at configuration
// time, not something a caller is expected to recover from (spec.md
// §4.8, §7 kind 10).
func (r *Router) Handle(label string, h Handler) {
	if _, exists := r.handlers[label]; exists {
		panic(fmt.Sprintf("router: handler for label %q already registered", label))
	}
	r.handlers[label] = h
}

// Default registers the fallback handler used when a request's label
// has no exact match. Panics if a default handler is already set.
func (r *Router) Default(h Handler) {
	if r.defSet {
		panic("router: default handler already registered")
	}
	r.def = h
	r.defSet = true
}

// Dispatch returns the handler for label, the default handler if label
// has no exact match, or an error if neither exists (spec.md §4.8: "no
// match → default handler; no default → runtime error").
func (r *Router) Dispatch(label string) (Handler, error) {
	if h, ok := r.handlers[label]; ok {
		return h, nil
	}
	if r.defSet {
		return r.def, nil
	}
	return nil, fmt.Errorf("router: no handler registered for label %q and no default handler set", label)
}
