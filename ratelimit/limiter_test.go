package ratelimit

import (
	"testing"
	"time"
)

func testEndpoints() map[string]Config {
	return map[string]Config{
		"payments_initiate": {
			Algorithm:         SlidingWindow,
			RequestsPerWindow: 10,
			WindowSeconds:     60,
			Burst:             3,
			BlockDuration:     300 * time.Second,
		},
		"payments_status": {
			Algorithm:         TokenBucket,
			RequestsPerWindow: 100,
			WindowSeconds:     60,
			Burst:             20,
			BlockDuration:     60 * time.Second,
		},
	}
}

func newTestLimiter() (*Limiter, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(testEndpoints())
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestSlidingWindowBoundary(t *testing.T) {
	l, _ := newTestLimiter()

	// limit is requests_per_window + burst = 13
	for i := 0; i < 13; i++ {
		res := l.Check("user-1", "payments_initiate")
		if !res.Allowed {
			t.Fatalf("request %d rejected below limit", i+1)
		}
	}
	res := l.Check("user-1", "payments_initiate")
	if res.Allowed {
		t.Fatal("request 14 admitted past limit")
	}
	if res.RetryAfter != 300*time.Second {
		t.Errorf("RetryAfter = %s, want 300s block", res.RetryAfter)
	}
}

func TestBlockListRejectsImmediately(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 14; i++ {
		l.Check("user-1", "payments_initiate")
	}

	// window would have room again after 60s, but the block holds
	*now = now.Add(61 * time.Second)
	res := l.Check("user-1", "payments_initiate")
	if res.Allowed {
		t.Fatal("admitted while blocked")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 300*time.Second {
		t.Errorf("RetryAfter = %s, want within remaining block", res.RetryAfter)
	}

	*now = now.Add(300 * time.Second)
	if res := l.Check("user-1", "payments_initiate"); !res.Allowed {
		t.Fatal("still rejected after block expired")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 14; i++ {
		l.Check("user-1", "payments_initiate")
	}
	if res := l.Check("user-2", "payments_initiate"); !res.Allowed {
		t.Fatal("user-2 rejected by user-1's limit")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	l, now := newTestLimiter()

	// capacity 120
	for i := 0; i < 120; i++ {
		if res := l.Check("user-1", "payments_status"); !res.Allowed {
			t.Fatalf("request %d rejected below capacity", i+1)
		}
	}
	if res := l.Check("user-1", "payments_status"); res.Allowed {
		t.Fatal("admitted on empty bucket")
	}

	// refill rate is 100/60s; after the 60s block plus 1s there is room
	*now = now.Add(61 * time.Second)
	if res := l.Check("user-1", "payments_status"); !res.Allowed {
		t.Fatal("rejected after refill")
	}
}

func TestUnknownEndpointAdmits(t *testing.T) {
	l, _ := newTestLimiter()
	if res := l.Check("user-1", "nonexistent"); !res.Allowed {
		t.Fatal("unknown endpoint rejected")
	}
}

func TestSweepDropsExpiredBlocks(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 14; i++ {
		l.Check("user-1", "payments_initiate")
	}
	if n := l.Sweep(); n != 0 {
		t.Fatalf("swept %d entries while block active", n)
	}

	*now = now.Add(301 * time.Second)
	if n := l.Sweep(); n == 0 {
		t.Fatal("expired block not swept")
	}
}
