// Package loader implements Request Loaders and the Tandem that couples
// a loader to a queue (spec.md §4.6 C7): a static in-memory list and an
// AMQP-backed queue consumer, plus the glue that seeds a Request Queue
// from either exactly once.
package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/request"
)

// pollInterval is how long SeedAll waits before asking a not-yet-finished
// loader for more work again after a momentary lull (e.g. an AMQPLoader
// between broker messages).
const pollInterval = 50 * time.Millisecond

// Loader produces requests to seed a queue. Next returns (nil, nil,
// nil, nil) when it has nothing to give right now; IsFinished reports
// whether that is permanent.
type Loader interface {
	// Next returns the next request and, if the source supports
	// acknowledging consumption only after the request is fully
	// handled, an ack function to call on success and a nack function
	// to call to put it back. Either may be nil for sources with no
	// such notion (e.g. StaticLoader).
	Next(ctx context.Context) (req *request.Request, ack func(), nack func(), err error)
	// IsFinished reports whether the loader has no more requests to
	// produce, ever (spec.md §4.6: "the tandem is finished only when
	// both loader and queue are finished").
	IsFinished() bool
}

// AddOutcome is an alias for collaborator.AddResult, the outcome
// reported by AddRequest.
type AddOutcome = collaborator.AddResult

// AddRequester is the queue capability Tandem depends on. *queue.Queue
// satisfies this directly.
type AddRequester interface {
	AddRequest(req *request.Request, forefront bool) AddOutcome
}

// QueueFinisher is the queue capability Tandem needs to decide overall
// completion.
type QueueFinisher interface {
	IsFinished() bool
}

// StaticLoader serves a fixed, in-memory list of seed requests
// (spec.md §4.6: "a loader produces requests from an external
// source... static list").
type StaticLoader struct {
	mu   sync.Mutex
	reqs []*request.Request
	pos  int
}

// NewStaticLoader creates a StaticLoader over reqs, served in order.
func NewStaticLoader(reqs []*request.Request) *StaticLoader {
	return &StaticLoader{reqs: reqs}
}

func (l *StaticLoader) Next(ctx context.Context) (*request.Request, func(), func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos >= len(l.reqs) {
		return nil, nil, nil, nil
	}
	r := l.reqs[l.pos]
	l.pos++
	return r, nil, nil, nil
}

func (l *StaticLoader) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos >= len(l.reqs)
}

// Tandem couples a Loader to a queue, pulling from the loader exactly
// once (until exhausted) and forwarding every new request into the
// queue. It is the bridge between an external request source and the
// in-process Request Queue (spec.md §4.6).
type Tandem struct {
	loader Loader
	queue  interface {
		AddRequester
		QueueFinisher
	}
}

// NewTandem builds a Tandem over loader and queue.
func NewTandem(loader Loader, queue interface {
	AddRequester
	QueueFinisher
}) *Tandem {
	return &Tandem{loader: loader, queue: queue}
}

// SeedAll drains the loader into the queue, stopping at the first error
// or once the loader reports IsFinished. A nil request with no error
// means the loader is merely empty right now (e.g. an AMQPLoader
// between broker messages), not exhausted, so SeedAll waits pollInterval
// and asks again rather than returning early. On a loader error, the
// partially-consumed request (if any was already pulled) is nacked back
// to the loader's logical position when the loader supports it;
// otherwise it is dropped with a warning (spec.md §4.6).
func (t *Tandem) SeedAll(ctx context.Context) error {
	for {
		if t.loader.IsFinished() {
			return nil
		}

		req, ack, nack, err := t.loader.Next(ctx)
		if err != nil {
			if nack != nil {
				nack()
			}
			return fmt.Errorf("loader: %w", err)
		}
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}
		t.queue.AddRequest(req, false)
		if ack != nil {
			ack()
		}
	}
}

// IsFinished reports whether both the loader and the queue are
// finished (spec.md §4.6).
func (t *Tandem) IsFinished() bool {
	return t.loader.IsFinished() && t.queue.IsFinished()
}
