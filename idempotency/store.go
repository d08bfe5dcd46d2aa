// Package idempotency provides exactly-once request semantics for
// payment initiation: a keyed record of each request's outcome, with
// atomic begin semantics so concurrent duplicates collapse to one
// execution.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Outcome of a Begin call
type Outcome int

const (
	// Fresh: no record existed; a processing record was created and
	// the caller owns the execution
	Fresh Outcome = iota
	// InProgress: another caller holds a live processing record with
	// the same request hash
	InProgress
	// Completed: a finished record with the same hash exists; the
	// stored response must be returned verbatim
	Completed
	// Conflict: a record exists but the request hash differs
	Conflict
	// Restarted: a processing record exceeded the soft-timeout and
	// was reclaimed; the caller owns the execution
	Restarted
)

// Begin is the result of claiming an idempotency key
type Begin struct {
	Outcome       Outcome
	Response      []byte // set when Outcome is Completed
	Failed        bool   // the completed record was a failure response
	AttemptCount  int
	TransactionID string // set once the owning execution has called Bind
}

// Store is the idempotency record contract. Begin is atomic against
// concurrent callers on the same key: at most one observes Fresh.
// Bind attaches the created transaction to a processing record so
// duplicate callers can be pointed at it.
type Store interface {
	Begin(ctx context.Context, key, requestHash string) (Begin, error)
	Bind(ctx context.Context, key, transactionID string) error
	Complete(ctx context.Context, key string, response []byte) error
	Fail(ctx context.Context, key string, response []byte) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RequestHash derives the canonical hash of a request's identity
// fields. The same user retrying the same payment produces the same
// hash; any changed field produces a conflict.
func RequestHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}
