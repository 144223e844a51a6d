package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fetchkit/crawlkit/request"
)

// fakeQueue is a minimal AddRequester+QueueFinisher for tests.
type fakeQueue struct {
	mu       sync.Mutex
	added    []string
	finished bool
}

func (q *fakeQueue) AddRequest(req *request.Request, forefront bool) AddOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.added = append(q.added, req.URL)
	return AddOutcome{UniqueKey: req.UniqueKey}
}

func (q *fakeQueue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	r, err := request.New("GET", rawURL, request.Options{})
	if err != nil {
		t.Fatalf("request.New(%q): %v", rawURL, err)
	}
	return r
}

func TestStaticLoaderDrainsInOrder(t *testing.T) {
	reqs := []*request.Request{mustRequest(t, "http://h/a"), mustRequest(t, "http://h/b")}
	l := NewStaticLoader(reqs)
	q := &fakeQueue{}

	tandem := NewTandem(l, q)
	if err := tandem.SeedAll(context.Background()); err != nil {
		t.Fatalf("seed_all: %v", err)
	}
	q.finished = true // the queue has drained too
	if !tandem.IsFinished() {
		t.Fatalf("expected tandem finished once both loader and queue report finished")
	}
	if len(q.added) != 2 || q.added[0] != "http://h/a" || q.added[1] != "http://h/b" {
		t.Fatalf("unexpected add order: %v", q.added)
	}
}

// flakyLoader returns a nil request (not exhausted) for its first N
// calls to Next, then serves reqs, then reports IsFinished.
type flakyLoader struct {
	mu     sync.Mutex
	stalls int
	reqs   []*request.Request
	pos    int
	calls  int
}

func (l *flakyLoader) Next(ctx context.Context) (*request.Request, func(), func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.stalls > 0 {
		l.stalls--
		return nil, nil, nil, nil
	}
	if l.pos >= len(l.reqs) {
		return nil, nil, nil, nil
	}
	r := l.reqs[l.pos]
	l.pos++
	return r, nil, nil, nil
}

func (l *flakyLoader) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos >= len(l.reqs)
}

// TestSeedAllSurvivesMomentaryEmptyPoll is the regression test for the
// bug where SeedAll mistook a nil request for exhaustion: a loader that
// is merely empty right now (like AMQPLoader between messages) must
// still be fully drained once it has more to give.
func TestSeedAllSurvivesMomentaryEmptyPoll(t *testing.T) {
	l := &flakyLoader{stalls: 2, reqs: []*request.Request{mustRequest(t, "http://h/a")}}
	q := &fakeQueue{}
	tandem := NewTandem(l, q)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tandem.SeedAll(ctx); err != nil {
		t.Fatalf("seed_all: %v", err)
	}
	if len(q.added) != 1 || q.added[0] != "http://h/a" {
		t.Fatalf("expected the loader's single request to survive the stalls, got %v", q.added)
	}
	if l.calls < 3 {
		t.Fatalf("expected SeedAll to poll through the stalls, got %d calls", l.calls)
	}
}

// erroringLoader always fails, with a nack to verify SeedAll invokes it.
type erroringLoader struct {
	nacked bool
}

func (l *erroringLoader) Next(ctx context.Context) (*request.Request, func(), func(), error) {
	return nil, nil, func() { l.nacked = true }, errors.New("source unavailable")
}

func (l *erroringLoader) IsFinished() bool { return false }

func TestSeedAllStopsAndNacksOnError(t *testing.T) {
	l := &erroringLoader{}
	q := &fakeQueue{}
	tandem := NewTandem(l, q)

	if err := tandem.SeedAll(context.Background()); err == nil {
		t.Fatalf("expected SeedAll to propagate the loader error")
	}
	if !l.nacked {
		t.Fatalf("expected the partially-consumed request to be nacked back")
	}
}

func TestTandemIsFinishedRequiresBoth(t *testing.T) {
	l := NewStaticLoader(nil)
	q := &fakeQueue{}
	tandem := NewTandem(l, q)

	if tandem.IsFinished() {
		t.Fatalf("expected tandem not finished while the queue hasn't reported finished, even though the loader already has")
	}
	q.finished = true
	if !tandem.IsFinished() {
		t.Fatalf("expected tandem finished once both loader and queue report finished")
	}
}
