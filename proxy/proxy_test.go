package proxy

import "testing"

func tiers() []Tier {
	return []Tier{
		{{Hostname: "p1.t0"}, {Hostname: "p2.t0"}},
		{{Hostname: "p1.t1"}},
		{{Hostname: "p1.t2"}},
	}
}

func TestRoundRobinWithinTier(t *testing.T) {
	c := NewCoordinator(tiers(), DefaultConfig())
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		info, err := c.Select("", "http://example.com/a")
		if err != nil {
			t.Fatal(err)
		}
		seen[info.Hostname] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected round robin across both tier-0 proxies, saw %v", seen)
	}
}

func TestEscalateOnFailureCappedAtTopTier(t *testing.T) {
	c := NewCoordinator(tiers(), DefaultConfig())
	for i := 0; i < 10; i++ {
		c.ReportFailure("s1", "http://example.com/a")
	}
	if got := c.CurrentTier("s1", "http://example.com/a"); got != 2 {
		t.Fatalf("expected tier capped at 2, got %d", got)
	}
}

func TestDeescalateAfterConsecutiveSuccesses(t *testing.T) {
	cfg := Config{SuccessesToDeescalate: 2}
	c := NewCoordinator(tiers(), cfg)
	c.ReportFailure("s1", "http://example.com/a")
	c.ReportFailure("s1", "http://example.com/a")
	if got := c.CurrentTier("s1", "http://example.com/a"); got != 2 {
		t.Fatalf("expected tier 2, got %d", got)
	}
	c.ReportSuccess("s1", "http://example.com/a")
	c.ReportSuccess("s1", "http://example.com/a")
	if got := c.CurrentTier("s1", "http://example.com/a"); got != 1 {
		t.Fatalf("expected tier to drop to 1, got %d", got)
	}
}

func TestStickyBindingReusesSameProxy(t *testing.T) {
	c := NewCoordinator(tiers(), DefaultConfig())
	first, err := c.Select("s1", "http://example.com/a")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := c.Select("s1", "http://example.com/a")
		if err != nil {
			t.Fatal(err)
		}
		if again.Hostname != first.Hostname {
			t.Fatalf("expected sticky proxy %s, got %s", first.Hostname, again.Hostname)
		}
	}
}

func TestStickyBindingFollowsTierEscalation(t *testing.T) {
	c := NewCoordinator(tiers(), DefaultConfig())
	first, _ := c.Select("s1", "http://example.com/a")
	if first.Hostname == "" {
		t.Fatal("expected a proxy")
	}
	c.ReportFailure("s1", "http://example.com/a")
	escalated, _ := c.Select("s1", "http://example.com/a")
	if escalated.Hostname == first.Hostname {
		t.Fatalf("expected escalated tier to pick a different proxy")
	}
}
