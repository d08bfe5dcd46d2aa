// Package breaker provides a per-provider three-state circuit breaker
// with consecutive-failure and slow-call-rate tripping.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a single breaker
type Config struct {
	FailureThreshold  int           // consecutive failures to open
	SuccessThreshold  int           // consecutive half-open successes to close
	Timeout           time.Duration // open duration before a probe is admitted
	SlowCallThreshold time.Duration // a call slower than this counts as slow
	SlowCallRate      float64       // fraction of slow calls to open
	MinimumCalls      int           // window size for the slow-call rate
}

// DefaultConfig matches the operator-facing defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		SlowCallThreshold: 10 * time.Second,
		SlowCallRate:      0.6,
		MinimumCalls:      5,
	}
}

// ErrOpen is returned by Allow while the breaker refuses calls
type ErrOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Name, e.RetryAfter)
}

// Stats is a snapshot of a breaker for health reporting
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalCalls           int64     `json:"total_calls"`
	TotalFailures        int64     `json:"total_failures"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// Breaker guards one provider. Allow admits or refuses a call; Record
// reports the outcome. No lock is held while the guarded call runs.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalCalls           int64
	totalFailures        int64
	recent               []callRecord // last MinimumCalls outcomes
	lastStateChange      time.Time
	probeInFlight        bool
}

type callRecord struct {
	slow    bool
	failure bool
}

// New creates a closed breaker
func New(name string, cfg Config) *Breaker {
	if cfg.MinimumCalls <= 0 {
		cfg = DefaultConfig()
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now, state: StateClosed}
	b.lastStateChange = b.now()
	return b
}

// Allow reports whether a call may proceed. While open it returns
// *ErrOpen until the timeout elapses; then it admits a single probe
// and moves to half_open. In half_open only one probe runs at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastStateChange)
		if elapsed < b.cfg.Timeout {
			return &ErrOpen{Name: b.name, RetryAfter: b.cfg.Timeout - elapsed}
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return &ErrOpen{Name: b.name, RetryAfter: b.cfg.Timeout}
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record reports the outcome of an admitted call
func (b *Breaker) Record(duration time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	if !success {
		b.totalFailures++
	}
	b.recent = append(b.recent, callRecord{
		slow:    duration > b.cfg.SlowCallThreshold,
		failure: !success,
	})
	if len(b.recent) > b.cfg.MinimumCalls {
		b.recent = b.recent[len(b.recent)-b.cfg.MinimumCalls:]
	}

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
		} else {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.trip()
				return
			}
		}
		if b.slowCallRateExceeded() {
			b.trip()
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.setState(StateClosed)
				b.reset()
			}
		} else {
			b.trip()
		}
	case StateOpen:
		// Late result from a call admitted before the trip; counters
		// already reflect it, state does not change.
	}
}

func (b *Breaker) slowCallRateExceeded() bool {
	if len(b.recent) < b.cfg.MinimumCalls {
		return false
	}
	slow := 0
	for _, r := range b.recent {
		if r.slow {
			slow++
		}
	}
	return float64(slow)/float64(len(b.recent)) > b.cfg.SlowCallRate
}

func (b *Breaker) trip() {
	b.setState(StateOpen)
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	b.recent = b.recent[:0]
}

func (b *Breaker) reset() {
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	b.recent = b.recent[:0]
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.lastStateChange = b.now()
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastStateChange) >= b.cfg.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns a snapshot for health reporting
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		LastStateChange:      b.lastStateChange,
	}
}

// SetClock replaces the time source, for tests
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
