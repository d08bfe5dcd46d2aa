package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type recordState int

const (
	stateProcessing recordState = iota
	stateCompleted
	stateFailed
)

type record struct {
	hash          string
	state         recordState
	response      []byte
	attemptCount  int
	startedAt     time.Time
	expiresAt     time.Time
	transactionID string
}

// MemoryStore is an in-process Store for single-instance deployments
// and tests. Expired records are dropped lazily on access and by
// Sweep.
type MemoryStore struct {
	mu                sync.Mutex
	records           map[string]*record
	ttl               time.Duration
	processingTimeout time.Duration
	now               func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithTTL sets how long finished records are kept (default 24h)
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithProcessingTimeout sets the soft-timeout after which a stuck
// processing record may be reclaimed (default 300s)
func WithProcessingTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.processingTimeout = d }
}

// WithClock replaces the time source, for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store with the given options
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records:           make(map[string]*record),
		ttl:               24 * time.Hour,
		processingTimeout: 300 * time.Second,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// Begin claims the key or reports the state of the existing record
func (s *MemoryStore) Begin(_ context.Context, key, requestHash string) (Begin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.records[key]
	if ok && now.After(r.expiresAt) {
		delete(s.records, key)
		ok = false
	}

	if !ok {
		s.records[key] = &record{
			hash:         requestHash,
			state:        stateProcessing,
			attemptCount: 1,
			startedAt:    now,
			expiresAt:    now.Add(s.ttl),
		}
		return Begin{Outcome: Fresh, AttemptCount: 1}, nil
	}

	if r.hash != requestHash {
		return Begin{Outcome: Conflict}, nil
	}

	switch r.state {
	case stateProcessing:
		if now.Sub(r.startedAt) > s.processingTimeout {
			r.attemptCount++
			r.startedAt = now
			return Begin{Outcome: Restarted, AttemptCount: r.attemptCount}, nil
		}
		return Begin{Outcome: InProgress, AttemptCount: r.attemptCount, TransactionID: r.transactionID}, nil
	case stateFailed:
		return Begin{Outcome: Completed, Response: r.response, Failed: true, AttemptCount: r.attemptCount}, nil
	default:
		return Begin{Outcome: Completed, Response: r.response, AttemptCount: r.attemptCount}, nil
	}
}

// Bind attaches the created transaction to a processing record
func (s *MemoryStore) Bind(_ context.Context, key, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return fmt.Errorf("no record for key %s", key)
	}
	r.transactionID = transactionID
	return nil
}

// Complete finalises the record with the canonical success response
func (s *MemoryStore) Complete(_ context.Context, key string, response []byte) error {
	return s.finish(key, response, stateCompleted)
}

// Fail finalises the record with the canonical failure response
func (s *MemoryStore) Fail(_ context.Context, key string, response []byte) error {
	return s.finish(key, response, stateFailed)
}

func (s *MemoryStore) finish(key string, response []byte, state recordState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return fmt.Errorf("no processing record for key %s", key)
	}
	r.state = state
	r.response = response
	r.expiresAt = s.now().Add(s.ttl)
	return nil
}

// Sweep removes expired records and returns how many were dropped
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, r := range s.records {
		if now.After(r.expiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
