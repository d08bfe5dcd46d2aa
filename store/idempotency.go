package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/synccash/orchestrator/idempotency"
)

// IdempotencyStore implements idempotency.Store on the same SQLite
// database as the transactions. The conditional insert gives the
// at-most-one-Fresh guarantee across processes.
type IdempotencyStore struct {
	db                *sql.DB
	ttl               time.Duration
	processingTimeout time.Duration
	now               func() time.Time
}

// NewIdempotencyStore shares the SQLiteStore's database handle
func NewIdempotencyStore(s *SQLiteStore, ttl, processingTimeout time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		db:                s.db,
		ttl:               ttl,
		processingTimeout: processingTimeout,
		now:               s.now,
	}
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// Begin claims the key or reports the state of the existing record
func (s *IdempotencyStore) Begin(ctx context.Context, key, requestHash string) (idempotency.Begin, error) {
	now := s.now()

	// Purge an expired record first so the insert below can claim the
	// key. The guarded delete keeps this safe against races.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = ? AND expires_at < ?`,
		key, fmtTime(now)); err != nil {
		return idempotency.Begin{}, fmt.Errorf("purge expired record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, state, attempt_count, started_at, expires_at)
		VALUES (?, ?, 'processing', 1, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, requestHash, fmtTime(now), fmtTime(now.Add(s.ttl)))
	if err != nil {
		return idempotency.Begin{}, fmt.Errorf("insert record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return idempotency.Begin{}, err
	} else if n == 1 {
		return idempotency.Begin{Outcome: idempotency.Fresh, AttemptCount: 1}, nil
	}

	var (
		hash, state, startedAt string
		transactionID          string
		response               []byte
		attemptCount           int
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT request_hash, state, response, attempt_count, transaction_id, started_at
		FROM idempotency_records WHERE key = ?`, key).
		Scan(&hash, &state, &response, &attemptCount, &transactionID, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race with a concurrent sweep; treat as in progress
		// and let the client retry.
		return idempotency.Begin{Outcome: idempotency.InProgress}, nil
	}
	if err != nil {
		return idempotency.Begin{}, fmt.Errorf("load record: %w", err)
	}

	if hash != requestHash {
		return idempotency.Begin{Outcome: idempotency.Conflict}, nil
	}

	switch state {
	case "processing":
		if now.Sub(parseTime(startedAt)) > s.processingTimeout {
			res, err := s.db.ExecContext(ctx, `
				UPDATE idempotency_records
				SET attempt_count = attempt_count + 1, started_at = ?
				WHERE key = ? AND state = 'processing' AND started_at = ?`,
				fmtTime(now), key, startedAt)
			if err != nil {
				return idempotency.Begin{}, fmt.Errorf("reclaim record: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return idempotency.Begin{Outcome: idempotency.Restarted, AttemptCount: attemptCount + 1}, nil
			}
			// Another caller reclaimed it first.
			return idempotency.Begin{Outcome: idempotency.InProgress, AttemptCount: attemptCount, TransactionID: transactionID}, nil
		}
		return idempotency.Begin{Outcome: idempotency.InProgress, AttemptCount: attemptCount, TransactionID: transactionID}, nil
	case "failed":
		return idempotency.Begin{Outcome: idempotency.Completed, Response: response, Failed: true, AttemptCount: attemptCount}, nil
	default:
		return idempotency.Begin{Outcome: idempotency.Completed, Response: response, AttemptCount: attemptCount}, nil
	}
}

// Bind attaches the created transaction to a processing record
func (s *IdempotencyStore) Bind(ctx context.Context, key, transactionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET transaction_id = ? WHERE key = ?`,
		transactionID, key)
	if err != nil {
		return fmt.Errorf("bind record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("no record for key %s", key)
	}
	return nil
}

// Complete finalises the record with the canonical success response
func (s *IdempotencyStore) Complete(ctx context.Context, key string, response []byte) error {
	return s.finish(ctx, key, response, "completed")
}

// Fail finalises the record with the canonical failure response
func (s *IdempotencyStore) Fail(ctx context.Context, key string, response []byte) error {
	return s.finish(ctx, key, response, "failed")
}

func (s *IdempotencyStore) finish(ctx context.Context, key string, response []byte, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET state = ?, response = ?, expires_at = ?
		WHERE key = ?`,
		state, response, fmtTime(s.now().Add(s.ttl)), key)
	if err != nil {
		return fmt.Errorf("finalise record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("no record for key %s", key)
	}
	return nil
}

// Sweep removes expired records and returns how many were dropped
func (s *IdempotencyStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
