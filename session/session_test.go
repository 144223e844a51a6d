package session

import (
	"testing"
	"time"
)

func TestMarkGoodMarkBad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorScoreDecrement = 1
	pool := NewPool(10, cfg)
	s := pool.GetSession()

	s.MarkBad()
	s.MarkBad()
	if s.ErrorScore != 2 {
		t.Fatalf("expected error score 2, got %v", s.ErrorScore)
	}
	s.MarkGood()
	if s.ErrorScore != 1 {
		t.Fatalf("expected error score 1 after decrement, got %v", s.ErrorScore)
	}
	if s.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", s.UsageCount)
	}
}

func TestMarkGoodFloorsAtZero(t *testing.T) {
	pool := NewPool(10, DefaultConfig())
	s := pool.GetSession()
	s.MarkGood()
	if s.ErrorScore != 0 {
		t.Fatalf("expected floor 0, got %v", s.ErrorScore)
	}
}

func TestRetireBlocksSession(t *testing.T) {
	pool := NewPool(10, DefaultConfig())
	s := pool.GetSession()
	if !s.IsUsable() {
		t.Fatalf("freshly minted session should be usable")
	}
	pool.Retire(s)
	if s.IsUsable() {
		t.Fatalf("retired session should not be usable")
	}
	if pool.GetSessionByID(s.ID) != nil {
		t.Fatalf("retired session should no longer be resolvable by id")
	}
}

func TestPoolRefillsUpToMax(t *testing.T) {
	pool := NewPool(3, DefaultConfig())
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		ids[pool.GetSession().ID] = true
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 distinct sessions, got %d", len(ids))
	}
	if pool.Size() != 3 {
		t.Fatalf("expected pool size 3, got %d", pool.Size())
	}

	// Pool is at capacity: further calls must reuse an existing usable
	// session rather than minting a new one.
	got := pool.GetSession()
	if !ids[got.ID] {
		t.Fatalf("expected reuse of an existing session once at capacity")
	}
}

func TestPoolEvictsExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = time.Millisecond
	pool := NewPool(1, cfg)
	first := pool.GetSession()
	time.Sleep(5 * time.Millisecond)

	second := pool.GetSession()
	if second.ID == first.ID {
		t.Fatalf("expected expired session to be replaced")
	}
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	pool := NewPool(5, DefaultConfig())
	s := pool.GetSession()
	s.SetCookies("example.com", []Cookie{{Name: "a", Value: "1", Domain: "example.com"}})
	s.MarkBad()

	data, err := pool.Dump()
	if err != nil {
		t.Fatal(err)
	}

	restored := NewPool(5, DefaultConfig())
	if err := restored.Restore(data); err != nil {
		t.Fatal(err)
	}
	got := restored.GetSessionByID(s.ID)
	if got == nil {
		t.Fatalf("expected session %s to survive restore", s.ID)
	}
	if got.ErrorScore != s.ErrorScore {
		t.Fatalf("expected error score to survive restore")
	}
	if len(got.CookiesFor("example.com")) != 1 {
		t.Fatalf("expected cookies to survive restore")
	}
}
