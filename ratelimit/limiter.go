// Package ratelimit implements per-(key, endpoint) admission control
// with token-bucket and sliding-window algorithms and a block list for
// repeat offenders.
package ratelimit

import (
	"sync"
	"time"
)

// Algorithm selects how an endpoint counts requests
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
)

// Config tunes one endpoint
type Config struct {
	Algorithm         Algorithm
	RequestsPerWindow int
	WindowSeconds     int
	Burst             int
	BlockDuration     time.Duration
}

// Result of an admission check
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter holds the per-(key, endpoint) state. Checks are
// non-blocking; a denied pair enters the block list and every check
// during the block rejects immediately.
type Limiter struct {
	mu        sync.Mutex
	endpoints map[string]Config
	buckets   map[string]*bucket
	windows   map[string]*window
	blocked   map[string]time.Time
	now       func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type window struct {
	admitted []time.Time
}

// New creates a limiter with the given per-endpoint configs
func New(endpoints map[string]Config) *Limiter {
	return &Limiter{
		endpoints: endpoints,
		buckets:   make(map[string]*bucket),
		windows:   make(map[string]*window),
		blocked:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// Check admits or rejects one request for (key, endpoint). An unknown
// endpoint is always admitted.
func (l *Limiter) Check(key, endpoint string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.endpoints[endpoint]
	if !ok {
		return Result{Allowed: true, Remaining: -1}
	}

	now := l.now()
	pair := key + "|" + endpoint

	if until, ok := l.blocked[pair]; ok {
		if now.Before(until) {
			return Result{
				Allowed:    false,
				ResetAt:    until,
				RetryAfter: until.Sub(now),
			}
		}
		delete(l.blocked, pair)
	}

	var res Result
	switch cfg.Algorithm {
	case SlidingWindow:
		res = l.checkWindow(pair, cfg, now)
	default:
		res = l.checkBucket(pair, cfg, now)
	}

	if !res.Allowed {
		until := now.Add(cfg.BlockDuration)
		l.blocked[pair] = until
		res.ResetAt = until
		res.RetryAfter = cfg.BlockDuration
	}
	return res
}

func (l *Limiter) checkBucket(pair string, cfg Config, now time.Time) Result {
	capacity := float64(cfg.RequestsPerWindow + cfg.Burst)
	rate := float64(cfg.RequestsPerWindow) / float64(cfg.WindowSeconds)

	b, ok := l.buckets[pair]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		l.buckets[pair] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return Result{Allowed: false}
	}
	b.tokens--
	return Result{
		Allowed:   true,
		Remaining: int(b.tokens),
		ResetAt:   now.Add(time.Duration(float64(time.Second) / rate)),
	}
}

func (l *Limiter) checkWindow(pair string, cfg Config, now time.Time) Result {
	limit := cfg.RequestsPerWindow + cfg.Burst
	span := time.Duration(cfg.WindowSeconds) * time.Second
	cutoff := now.Add(-span)

	w, ok := l.windows[pair]
	if !ok {
		w = &window{}
		l.windows[pair] = w
	}

	live := w.admitted[:0]
	for _, t := range w.admitted {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	w.admitted = live

	if len(w.admitted) >= limit {
		return Result{Allowed: false}
	}
	w.admitted = append(w.admitted, now)

	reset := now.Add(span)
	if len(w.admitted) > 0 {
		reset = w.admitted[0].Add(span)
	}
	return Result{
		Allowed:   true,
		Remaining: limit - len(w.admitted),
		ResetAt:   reset,
	}
}

// Sweep drops expired block-list entries and idle windows. Returns the
// number of entries removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for pair, until := range l.blocked {
		if !now.Before(until) {
			delete(l.blocked, pair)
			removed++
		}
	}
	for pair, w := range l.windows {
		if len(w.admitted) == 0 || now.Sub(w.admitted[len(w.admitted)-1]) > 24*time.Hour {
			delete(l.windows, pair)
			removed++
		}
	}
	return removed
}

// SetClock replaces the time source, for tests
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
