package queue

import (
	"testing"

	"github.com/fetchkit/crawlkit/request"
)

func mustReq(t *testing.T, u string) *request.Request {
	t.Helper()
	r, err := request.New("GET", u, request.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestIdentityDedup(t *testing.T) {
	q := New(false)
	r1 := mustReq(t, "http://h/a")
	r2 := mustReq(t, "http://h/a")

	res1 := q.AddRequest(r1, false)
	res2 := q.AddRequest(r2, false)
	if res1.WasAlreadyPresent {
		t.Fatalf("first add should not be already-present")
	}
	if !res2.WasAlreadyPresent {
		t.Fatalf("second add of same key should be already-present")
	}
	if q.Stats().Total != 1 {
		t.Fatalf("expected exactly one entry, got %d", q.Stats().Total)
	}
}

func TestNoLossAcrossLifecycle(t *testing.T) {
	q := New(false)
	keys := []string{"http://h/a", "http://h/b", "http://h/c"}
	for _, u := range keys {
		q.AddRequest(mustReq(t, u), false)
	}

	r := q.FetchNextRequest()
	if err := q.ReclaimRequest(r, false); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for {
		r := q.FetchNextRequest()
		if r == nil {
			break
		}
		seen[r.UniqueKey] = true
		if err := q.MarkRequestAsHandled(r); err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != len(keys) {
		t.Fatalf("expected %d distinct keys handled, got %d", len(keys), len(seen))
	}
	if st := q.Stats(); st.Handled != len(keys) || st.Pending != 0 || st.InProgress != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestForefrontPrecedence(t *testing.T) {
	q := New(false)
	rb := mustReq(t, "http://h/b")
	rf := mustReq(t, "http://h/f")
	q.AddRequest(rb, false)
	q.AddRequest(rf, true)

	got := q.FetchNextRequest()
	if got.UniqueKey != rf.UniqueKey {
		t.Fatalf("expected forefront request first, got %s", got.UniqueKey)
	}
}

func TestForefrontOrderS6(t *testing.T) {
	q := New(false)
	a := mustReq(t, "http://h/a")
	b := mustReq(t, "http://h/b")
	c := mustReq(t, "http://h/c")
	q.AddRequest(a, false)
	q.AddRequest(b, false)
	q.AddRequest(c, true)

	order := []string{}
	for {
		r := q.FetchNextRequest()
		if r == nil {
			break
		}
		order = append(order, r.UniqueKey)
	}
	want := []string{c.UniqueKey, a.UniqueKey, b.UniqueKey}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", order, want)
		}
	}
}

func TestIdempotentHandled(t *testing.T) {
	q := New(false)
	r := mustReq(t, "http://h/a")
	q.AddRequest(r, false)
	q.FetchNextRequest()
	if err := q.MarkRequestAsHandled(r); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkRequestAsHandled(r); err != nil {
		t.Fatalf("second mark-handled should be a no-op, got error: %v", err)
	}
}

func TestMarkHandledWithoutFetchErrors(t *testing.T) {
	q := New(false)
	r := mustReq(t, "http://h/a")
	q.AddRequest(r, false)
	if err := q.MarkRequestAsHandled(r); err == nil {
		t.Fatalf("expected error marking handled before fetch")
	}
}

func TestKeepAliveRequiresExplicitClose(t *testing.T) {
	q := New(true)
	r := mustReq(t, "http://h/a")
	q.AddRequest(r, false)
	q.FetchNextRequest()
	q.MarkRequestAsHandled(r)

	if q.IsFinished() {
		t.Fatalf("keep_alive queue should not report finished before Close")
	}
	q.Close()
	if !q.IsFinished() {
		t.Fatalf("queue should report finished after Close once drained")
	}
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	q := New(false)
	a := mustReq(t, "http://h/a")
	b := mustReq(t, "http://h/b")
	q.AddRequest(a, false)
	q.AddRequest(b, true)
	q.FetchNextRequest() // moves b into in-progress

	data, err := q.Dump()
	if err != nil {
		t.Fatal(err)
	}

	restored := New(false)
	if err := restored.Restore(data); err != nil {
		t.Fatal(err)
	}
	st := restored.Stats()
	if st.Total != 2 || st.InProgress != 1 || st.Pending != 1 {
		t.Fatalf("unexpected restored stats: %+v", st)
	}
}
