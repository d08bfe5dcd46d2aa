package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore() (*MemoryStore, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(
		WithTTL(24*time.Hour),
		WithProcessingTimeout(300*time.Second),
		WithClock(func() time.Time { return now }),
	)
	return s, &now
}

func TestBeginFreshThenCompleted(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00", "+233241234567")

	b, err := s.Begin(ctx, "key-1", hash)
	if err != nil {
		t.Fatal(err)
	}
	if b.Outcome != Fresh {
		t.Fatalf("outcome = %d, want Fresh", b.Outcome)
	}

	if err := s.Complete(ctx, "key-1", []byte(`{"transaction_id":"T1"}`)); err != nil {
		t.Fatal(err)
	}

	b, err = s.Begin(ctx, "key-1", hash)
	if err != nil {
		t.Fatal(err)
	}
	if b.Outcome != Completed {
		t.Fatalf("outcome = %d, want Completed", b.Outcome)
	}
	if string(b.Response) != `{"transaction_id":"T1"}` {
		t.Errorf("response = %s, want stored response verbatim", b.Response)
	}
	if b.Failed {
		t.Error("Failed = true for a completed record")
	}
}

func TestBeginConflictOnDifferentHash(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	s.Begin(ctx, "key-1", RequestHash("user-1", "150.00"))
	b, _ := s.Begin(ctx, "key-1", RequestHash("user-1", "200.00"))
	if b.Outcome != Conflict {
		t.Fatalf("outcome = %d, want Conflict", b.Outcome)
	}
}

func TestBeginInProgress(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00")

	s.Begin(ctx, "key-1", hash)
	b, _ := s.Begin(ctx, "key-1", hash)
	if b.Outcome != InProgress {
		t.Fatalf("outcome = %d, want InProgress", b.Outcome)
	}
}

func TestBindSurfacesTransactionID(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00")

	s.Begin(ctx, "key-1", hash)
	if err := s.Bind(ctx, "key-1", "T1"); err != nil {
		t.Fatal(err)
	}

	b, _ := s.Begin(ctx, "key-1", hash)
	if b.Outcome != InProgress {
		t.Fatalf("outcome = %d, want InProgress", b.Outcome)
	}
	if b.TransactionID != "T1" {
		t.Errorf("transaction id = %q, want T1", b.TransactionID)
	}

	if err := s.Bind(ctx, "key-missing", "T2"); err == nil {
		t.Error("bind on unknown key succeeded")
	}
}

func TestBeginRestartedAfterSoftTimeout(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00")

	s.Begin(ctx, "key-1", hash)
	*now = now.Add(301 * time.Second)

	b, _ := s.Begin(ctx, "key-1", hash)
	if b.Outcome != Restarted {
		t.Fatalf("outcome = %d, want Restarted", b.Outcome)
	}
	if b.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", b.AttemptCount)
	}
}

func TestFailedResponseReplayed(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00")

	s.Begin(ctx, "key-1", hash)
	s.Fail(ctx, "key-1", []byte(`{"error":"no_eligible_provider"}`))

	b, _ := s.Begin(ctx, "key-1", hash)
	if b.Outcome != Completed || !b.Failed {
		t.Fatalf("outcome = %d failed = %v, want replayed failure", b.Outcome, b.Failed)
	}
}

func TestExpiredRecordIsFresh(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00")

	s.Begin(ctx, "key-1", hash)
	s.Complete(ctx, "key-1", []byte(`{}`))
	*now = now.Add(25 * time.Hour)

	b, _ := s.Begin(ctx, "key-1", hash)
	if b.Outcome != Fresh {
		t.Fatalf("outcome = %d, want Fresh after TTL", b.Outcome)
	}
}

func TestSweep(t *testing.T) {
	s, now := newTestStore()
	ctx := context.Background()

	s.Begin(ctx, "key-1", RequestHash("a"))
	s.Complete(ctx, "key-1", []byte(`{}`))
	s.Begin(ctx, "key-2", RequestHash("b"))

	removed, err := s.Sweep(ctx, now.Add(25*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
}

func TestConcurrentBeginSingleFresh(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	hash := RequestHash("user-1", "150.00")

	const n = 32
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := s.Begin(ctx, "key-1", hash)
			if err != nil {
				t.Error(err)
				return
			}
			outcomes[i] = b.Outcome
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, o := range outcomes {
		if o == Fresh {
			fresh++
		} else if o != InProgress {
			t.Errorf("unexpected outcome %d", o)
		}
	}
	if fresh != 1 {
		t.Fatalf("%d callers observed Fresh, want exactly 1", fresh)
	}
}

func TestRequestHashStable(t *testing.T) {
	a := RequestHash("user-1", "150.00", "+233241234567")
	b := RequestHash("user-1", "150.00", "+233241234567")
	c := RequestHash("user-1", "150.01", "+233241234567")
	if a != b {
		t.Error("same inputs produced different hashes")
	}
	if a == c {
		t.Error("different inputs produced the same hash")
	}
}
