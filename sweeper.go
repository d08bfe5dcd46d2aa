package synccash

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper moves overdue pending/processing transactions to expired in
// bounded batches. Each expiry is a conditional transition, so a
// webhook that confirms the row first always wins.
type Sweeper struct {
	store     TransactionStore
	idemSweep func(ctx context.Context, now time.Time) (int, error)
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. idemSweep may be nil when idempotency
// records are swept elsewhere.
func NewSweeper(store TransactionStore, idemSweep func(ctx context.Context, now time.Time) (int, error), interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:     store,
		idemSweep: idemSweep,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run sweeps on the configured interval until the context is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce expires one batch of overdue transactions and returns how
// many rows it moved
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	overdue, err := s.store.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, tx := range overdue {
		err := s.store.Transition(ctx, tx.ID, tx.Status, TransitionUpdate{
			To:     StatusExpired,
			Reason: "no provider confirmation before expires_at",
		})
		switch {
		case err == nil:
			expired++
			s.logger.Info("transaction expired",
				zap.String("transaction_id", tx.ID),
				zap.String("from", string(tx.Status)))
		case IsKind(err, KindConcurrentTransition):
			// Row advanced while we were sweeping; leave it be.
		default:
			return expired, err
		}
	}

	if s.idemSweep != nil {
		if n, err := s.idemSweep(ctx, now); err != nil {
			s.logger.Error("idempotency sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Debug("idempotency records swept", zap.Int("removed", n))
		}
	}
	return expired, nil
}
