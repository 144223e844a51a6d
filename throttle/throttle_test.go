package throttle

import (
	"testing"
	"time"
)

func TestRecordRateLimitMonotonicBackoff(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	th := New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}, clock)

	url := "http://example.com/a"
	var prev time.Duration
	for i := 0; i < 6; i++ {
		th.RecordRateLimit(url, 0)
		got := th.GetDelay(url)
		if got < prev {
			t.Fatalf("backoff decreased: prev=%v got=%v at i=%d", prev, got, i)
		}
		if got > 10*time.Second {
			t.Fatalf("backoff exceeded max: %v", got)
		}
		prev = got
	}
}

func TestRecordSuccessResetsCount(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	th := New(DefaultConfig(), clock)

	url := "http://example.com/a"
	th.RecordRateLimit(url, 0)
	th.RecordRateLimit(url, 0)
	if th.ConsecutiveRateLimits(url) != 2 {
		t.Fatalf("expected 2 consecutive rate limits")
	}
	th.RecordSuccess(url)
	if th.ConsecutiveRateLimits(url) != 0 {
		t.Fatalf("expected reset to 0 after success")
	}
	if th.IsThrottled(url) {
		t.Fatalf("expected not throttled after success reset")
	}
}

func TestRetryAfterOverride(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	th := New(DefaultConfig(), clock)

	url := "http://example.com/a"
	th.RecordRateLimit(url, 5*time.Second)
	if got := th.GetDelay(url); got != 5*time.Second {
		t.Fatalf("expected retry-after override of 5s, got %v", got)
	}
}

func TestIsThrottledAdvancesWithClock(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	th := New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}, clock)

	url := "http://example.com/a"
	th.RecordRateLimit(url, time.Second)
	if !th.IsThrottled(url) {
		t.Fatalf("expected throttled immediately after record")
	}
	now = now.Add(2 * time.Second)
	if th.IsThrottled(url) {
		t.Fatalf("expected not throttled once the delay has elapsed")
	}
	if th.GetDelay(url) != 0 {
		t.Fatalf("expected zero remaining delay, never negative")
	}
}
