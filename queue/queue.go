// Package queue implements the Request Queue (spec.md §4.5, §8): an
// ordered, deduplicated store of pending requests with in-flight
// tracking and reclaim semantics.
//
// The single-mutex-per-method discipline and the "one map entry records
// which partition a key lives in" technique is grounded on
// server/query_cache.go's QueryCache, generalized from one map (cache
// entries) to three logical partitions (pending/in-progress/handled) that
// a Queue tracks via one status map plus two intrusive FIFO deques
// (front/back) instead of one LRU list.
package queue

import (
	"fmt"
	"sync"

	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/request"
)

// Status is the disposition of a key the queue has seen at least once.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusHandled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in-progress"
	case StatusHandled:
		return "handled"
	default:
		return "unknown"
	}
}

// AddResult is returned by Add/AddBatch (spec.md §4.5). It is an alias
// for collaborator.AddResult so *Queue satisfies
// collaborator.RequestQueueStore without an adapter.
type AddResult = collaborator.AddResult

// entry is one queue record, living in at most one partition at a time.
type entry struct {
	req    *request.Request
	status Status
	prev   *entry
	next   *entry
}

// deque is a minimal intrusive doubly-linked FIFO, used for the pending
// partition's front/back split (spec.md §4.5: "pending is conceptually
// two sub-deques").
type deque struct {
	head, tail *entry
	size       int
}

func (d *deque) pushBack(e *entry) {
	e.prev, e.next = d.tail, nil
	if d.tail != nil {
		d.tail.next = e
	} else {
		d.head = e
	}
	d.tail = e
	d.size++
}

func (d *deque) pushFront(e *entry) {
	e.next, e.prev = d.head, nil
	if d.head != nil {
		d.head.prev = e
	} else {
		d.tail = e
	}
	d.head = e
	d.size++
}

func (d *deque) popFront() *entry {
	e := d.head
	if e == nil {
		return nil
	}
	d.head = e.next
	if d.head != nil {
		d.head.prev = nil
	} else {
		d.tail = nil
	}
	e.next, e.prev = nil, nil
	d.size--
	return e
}

// Queue is the in-memory Request Queue collaborator implementation
// (spec.md §4.5). It is safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	byKey     map[string]*entry
	front     deque // forefront inserts
	back      deque // normal inserts
	inProgKey map[string]*request.Request
	handled   map[string]bool
	keepAlive bool
	dropped   bool
}

// New creates an empty Queue. keepAlive mirrors spec.md §4.5: when true,
// IsFinished only ever returns true after Close, regardless of whether
// the queue is momentarily empty.
func New(keepAlive bool) *Queue {
	return &Queue{
		byKey:     make(map[string]*entry),
		inProgKey: make(map[string]*request.Request),
		handled:   make(map[string]bool),
		keepAlive: keepAlive,
	}
}

// AddRequest inserts req, or returns its current status if UniqueKey is
// already present in any partition (spec.md §4.5).
func (q *Queue) AddRequest(req *request.Request, forefront bool) AddResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(req, forefront)
}

func (q *Queue) addLocked(req *request.Request, forefront bool) AddResult {
	if e, ok := q.byKey[req.UniqueKey]; ok {
		return AddResult{
			UniqueKey:         req.UniqueKey,
			WasAlreadyPresent: true,
			WasAlreadyHandled: e.status == StatusHandled,
		}
	}

	e := &entry{req: req, status: StatusPending}
	q.byKey[req.UniqueKey] = e
	req.State = request.StateUnprocessed
	if forefront {
		q.front.pushFront(e)
	} else {
		q.back.pushBack(e)
	}
	return AddResult{UniqueKey: req.UniqueKey}
}

// AddBatch inserts each request in reqs, deduplicating against existing
// keys and against duplicates within the batch itself.
func (q *Queue) AddBatch(reqs []*request.Request, forefront bool) []AddResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]AddResult, len(reqs))
	for i, r := range reqs {
		out[i] = q.addLocked(r, forefront)
	}
	return out
}

// FetchNextRequest pops the head of pending (front before back) and
// transitions it to in-progress. Returns nil if nothing is available.
func (q *Queue) FetchNextRequest() *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var e *entry
	if q.front.size > 0 {
		e = q.front.popFront()
	} else if q.back.size > 0 {
		e = q.back.popFront()
	} else {
		return nil
	}

	e.status = StatusInProgress
	e.req.State = request.StateInProgress
	q.inProgKey[e.req.UniqueKey] = e.req
	// e stays indexed in byKey with status updated so later
	// Add/Reclaim/MarkHandled calls on the same key see it.
	q.byKey[e.req.UniqueKey] = e
	return e.req
}

// ReclaimRequest moves req from in-progress back to pending. Idempotent
// if req is already pending.
func (q *Queue) ReclaimRequest(req *request.Request, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byKey[req.UniqueKey]
	if !ok {
		return fmt.Errorf("queue: reclaim of unknown key %q", req.UniqueKey)
	}
	if e.status == StatusPending {
		return nil
	}
	if e.status == StatusHandled {
		return fmt.Errorf("queue: cannot reclaim already-handled key %q", req.UniqueKey)
	}

	delete(q.inProgKey, req.UniqueKey)
	e.status = StatusPending
	req.State = request.StateUnprocessed
	if forefront {
		q.front.pushFront(e)
	} else {
		q.back.pushBack(e)
	}
	return nil
}

// MarkRequestAsHandled moves req from in-progress to handled.
// Idempotent if already handled; errors if the key was never fetched.
func (q *Queue) MarkRequestAsHandled(req *request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byKey[req.UniqueKey]
	if !ok {
		return fmt.Errorf("queue: mark-handled of unknown key %q", req.UniqueKey)
	}
	if e.status == StatusHandled {
		return nil
	}
	if e.status == StatusPending {
		return fmt.Errorf("queue: mark-handled of a never-fetched key %q", req.UniqueKey)
	}

	delete(q.inProgKey, req.UniqueKey)
	e.status = StatusHandled
	q.handled[req.UniqueKey] = true
	req.State = request.StateHandled
	return nil
}

// IsEmpty reports whether pending is empty (in-progress may still hold
// leased requests).
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.front.size == 0 && q.back.size == 0
}

// IsFinished reports whether both pending and in-progress are empty and
// keep_alive is false (spec.md §4.5).
func (q *Queue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keepAlive && !q.dropped {
		return false
	}
	return q.front.size == 0 && q.back.size == 0 && len(q.inProgKey) == 0
}

// Close disables keep_alive so IsFinished can return true once the
// queue drains (the explicit close spec.md §4.5 requires for keep_alive
// queues).
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keepAlive = false
}

// SetKeepAlive overrides keep_alive directly, used by a Tandem-driven
// crawl to hold the queue open ("maybe more later") for as long as any
// Loader is still streaming, regardless of the keep_alive the crawl was
// originally configured with (spec.md §4.6: "the tandem is finished only
// when both loader and queue are finished").
func (q *Queue) SetKeepAlive(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keepAlive = v
}

// Drop removes the queue and all of its state.
func (q *Queue) Drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byKey = make(map[string]*entry)
	q.inProgKey = make(map[string]*request.Request)
	q.handled = make(map[string]bool)
	q.front, q.back = deque{}, deque{}
	q.dropped = true
}

// Stats reports partition sizes, used for autoscale/stats reporting.
type Stats struct {
	Pending    int
	InProgress int
	Handled    int
	Total      int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    q.front.size + q.back.size,
		InProgress: len(q.inProgKey),
		Handled:    len(q.handled),
		Total:      len(q.byKey),
	}
}
