package synccash

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/synccash/orchestrator/breaker"
)

// RetryPolicy tunes the backoff for one provider
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fractional, 0.1 means ±10%
}

// DefaultRetryPolicy matches the operator-facing defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// Operation is one provider call the dispatcher drives: initiate for
// payments, refund for refunds
type Operation func(ctx context.Context, p ProviderAdapter) (*ProviderResponse, error)

// DispatchResult is the outcome of a successful dispatch
type DispatchResult struct {
	Response *ProviderResponse
	Provider Provider
	Attempts []Attempt
}

// Dispatcher runs an operation against an ordered provider list with
// per-provider bounded retries, exponential backoff, breaker-guarded
// calls and failover. Before retrying an ambiguous outcome it probes
// the provider's status endpoint; it never retries a call that may
// have committed.
type Dispatcher struct {
	breakers *breaker.Manager
	policies map[Provider]RetryPolicy
	fallback RetryPolicy
	logger   *zap.Logger

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. policies may override the
// fallback per provider.
func NewDispatcher(breakers *breaker.Manager, policies map[Provider]RetryPolicy, fallback RetryPolicy, logger *zap.Logger) *Dispatcher {
	if fallback.MaxAttempts <= 0 {
		fallback = DefaultRetryPolicy()
	}
	return &Dispatcher{
		breakers:  breakers,
		policies:  policies,
		fallback:  fallback,
		logger:    logger,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) policy(p Provider) RetryPolicy {
	if pol, ok := d.policies[p]; ok {
		return pol
	}
	return d.fallback
}

// Delay computes the backoff before attempt k (1-based) under a
// policy, with additive uniform jitter
func (d *Dispatcher) Delay(pol RetryPolicy, attempt int) time.Duration {
	base := float64(pol.BaseDelay) * math.Pow(pol.Multiplier, float64(attempt-1))
	if max := float64(pol.MaxDelay); base > max {
		base = max
	}
	jitter := base * pol.Jitter * (2*d.randFloat() - 1)
	delay := time.Duration(base + jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Execute runs op against each provider in order until one succeeds.
// Retryable errors retry on the same provider up to its max_attempts;
// an open breaker skips to the next provider; a permanent error stops
// the whole dispatch.
func (d *Dispatcher) Execute(ctx context.Context, providers []ProviderAdapter, op Operation) (*DispatchResult, error) {
	if len(providers) == 0 {
		return nil, NewError(KindNoEligibleProvider, "", "empty provider list")
	}

	var attempts []Attempt
	var lastErr error

	for _, p := range providers {
		tag := p.Provider()
		pol := d.policy(tag)
		br := d.breakers.Get(string(tag))

	attemptLoop:
		for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
			if err := br.Allow(); err != nil {
				var open *breaker.ErrOpen
				if errors.As(err, &open) {
					attempts = append(attempts, Attempt{
						Provider:  tag,
						Number:    len(attempts) + 1,
						StartedAt: d.now(),
						Outcome:   AttemptCircuitOpen,
					})
					lastErr = &Error{Kind: KindCircuitOpen, Message: open.Error(), RetryAfter: open.RetryAfter}
					d.logger.Info("provider circuit open, failing over",
						zap.String("provider", string(tag)))
					break attemptLoop // next provider
				}
				return nil, err
			}

			started := d.now()
			resp, err := op(ctx, p)
			duration := d.now().Sub(started)
			br.Record(duration, err == nil)

			if err == nil {
				attempts = append(attempts, Attempt{
					Provider:     tag,
					Number:       len(attempts) + 1,
					StartedAt:    started,
					Duration:     duration,
					Outcome:      AttemptAccepted,
					ProviderTxID: resp.ProviderTxID,
				})
				return &DispatchResult{Response: resp, Provider: tag, Attempts: attempts}, nil
			}

			lastErr = err
			var perr *Error
			if !errors.As(err, &perr) {
				perr = WrapError(KindUnknown, err, "unclassified provider error")
			}

			record := Attempt{
				Provider:     tag,
				Number:       len(attempts) + 1,
				StartedAt:    started,
				Duration:     duration,
				Outcome:      AttemptFailed,
				ErrorCode:    perr.Code,
				ProviderTxID: perr.ProviderTxID,
			}

			// An ambiguous outcome may have committed at the provider.
			// Probe before doing anything that could charge twice.
			if perr.Ambiguous && perr.ProviderTxID != "" {
				probe, probeErr := p.Status(ctx, perr.ProviderTxID)
				if probeErr == nil && probe.Status != StatusFailed {
					record.Outcome = AttemptConfirmedAfterProbe
					attempts = append(attempts, record)
					d.logger.Info("ambiguous outcome resolved by status probe",
						zap.String("provider", string(tag)),
						zap.String("provider_tx_id", perr.ProviderTxID),
						zap.String("status", string(probe.Status)))
					return &DispatchResult{Response: probe, Provider: tag, Attempts: attempts}, nil
				}
				if probeErr != nil {
					// Still ambiguous. Retrying anywhere risks a double
					// charge, so the dispatch stops here.
					attempts = append(attempts, record)
					d.logger.Warn("status probe failed after ambiguous outcome, refusing to retry",
						zap.String("provider", string(tag)),
						zap.String("provider_tx_id", perr.ProviderTxID),
						zap.Error(probeErr))
					return nil, &DispatchError{Err: lastErr, Attempts: attempts}
				}
				// The provider confirms nothing committed; retry freely.
			}
			attempts = append(attempts, record)

			switch {
			case perr.Kind == KindProviderPermanent ||
				perr.Kind == KindValidation:
				return nil, &DispatchError{Err: perr, Attempts: attempts}
			case perr.Retryable() || perr.Kind == KindUnknown:
				if perr.Kind == KindUnknown && attempt > 1 {
					// Unknown errors get at most one retry.
					break attemptLoop
				}
				if attempt == pol.MaxAttempts {
					break attemptLoop // exhausted, next provider
				}
				delay := d.Delay(pol, attempt)
				if perr.RetryAfter > delay {
					delay = perr.RetryAfter
				}
				if err := d.sleep(ctx, delay); err != nil {
					return nil, &DispatchError{Err: err, Attempts: attempts}
				}
			default:
				return nil, &DispatchError{Err: perr, Attempts: attempts}
			}
		}
	}

	return nil, &DispatchError{Err: lastErr, Attempts: attempts}
}

// DispatchError carries the attempt audit alongside the final
// classified error so the orchestrator can persist both
type DispatchError struct {
	Err      error
	Attempts []Attempt
}

func (e *DispatchError) Error() string { return e.Err.Error() }
func (e *DispatchError) Unwrap() error { return e.Err }
