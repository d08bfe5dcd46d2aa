package synccash

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler ingests provider webhooks and drives transactions to
// their asynchronous outcome. Processing is idempotent: redelivered
// callbacks are no-ops, late callbacks on terminal rows become audit
// events, and bad signatures are dropped. It never returns an error
// for anything the provider should not retry.
type Reconciler struct {
	adapters map[Provider]ProviderAdapter
	store    TransactionStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler over the configured adapters
func NewReconciler(adapters []ProviderAdapter, store TransactionStore, logger *zap.Logger) *Reconciler {
	byTag := make(map[Provider]ProviderAdapter, len(adapters))
	for _, a := range adapters {
		byTag[a.Provider()] = a
	}
	return &Reconciler{adapters: byTag, store: store, logger: logger, now: time.Now}
}

// Process handles one raw callback addressed to a provider route.
// A nil return means the provider must be acknowledged with 2xx; an
// error means an internal failure the provider should redeliver for.
func (r *Reconciler) Process(ctx context.Context, provider Provider, payload WebhookPayload) error {
	adapter, ok := r.adapters[provider]
	if !ok {
		r.logger.Warn("webhook for unknown provider dropped",
			zap.String("provider", string(provider)))
		return nil
	}

	event, ok := adapter.VerifyWebhook(payload)
	if !ok {
		r.logger.Warn("webhook signature rejected",
			zap.String("provider", string(provider)))
		return nil
	}

	tx, err := r.store.GetByProviderTxID(ctx, event.ProviderTxID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			r.logger.Warn("webhook for unknown transaction dropped",
				zap.String("provider", string(provider)),
				zap.String("provider_tx_id", event.ProviderTxID))
			return nil
		}
		return err
	}

	return r.apply(ctx, tx, event)
}

func (r *Reconciler) apply(ctx context.Context, tx *Transaction, event *WebhookEvent) error {
	target := event.Status

	// Redelivery of a callback that already took effect.
	if tx.Status == target {
		return nil
	}

	if tx.Status.Terminal() {
		evType := EventPostTerminalCallback
		if tx.Status == StatusCancelled && target == StatusConfirmed {
			evType = EventPostCancelConfirmation
		}
		// Redelivered late callbacks must not grow the audit log.
		events, err := r.store.ListEvents(ctx, tx.ID)
		if err != nil {
			return err
		}
		if n := len(events); n > 0 {
			last := events[n-1]
			if last.Type == evType && last.Data["raw_status"] == event.RawStatus {
				return nil
			}
		}
		r.logger.Info("late webhook on terminal transaction",
			zap.String("transaction_id", tx.ID),
			zap.String("status", string(tx.Status)),
			zap.String("reported", event.RawStatus))
		return r.store.AppendEvent(ctx, Event{
			TransactionID: tx.ID,
			Type:          evType,
			Provider:      event.Provider,
			Reason:        "provider reported " + event.RawStatus + " after terminal state",
			Data:          map[string]string{"raw_status": event.RawStatus},
		})
	}

	if !TransitionValid(tx.Status, target) {
		r.logger.Info("webhook transition not applicable, discarded",
			zap.String("transaction_id", tx.ID),
			zap.String("from", string(tx.Status)),
			zap.String("to", string(target)))
		return nil
	}

	upd := TransitionUpdate{
		To:       target,
		Provider: event.Provider,
		Reason:   "webhook reported " + event.RawStatus,
		EventData: map[string]string{
			"raw_status": event.RawStatus,
		},
	}
	if event.Reference != "" {
		upd.ProviderReference = event.Reference
	}
	if target == StatusConfirmed {
		now := r.now()
		upd.ConfirmedAt = &now
	}
	if target == StatusCancelled {
		now := r.now()
		upd.CancelledAt = &now
	}
	if target == StatusFailed {
		upd.FailureCode = "provider_reported_failure"
		upd.FailureReason = event.Message
	}

	err := r.store.Transition(ctx, tx.ID, tx.Status, upd)
	if err != nil {
		if IsKind(err, KindConcurrentTransition) {
			// Another writer advanced the row first; re-read and
			// treat the callback as a redelivery against the new state.
			fresh, rerr := r.store.GetTransaction(ctx, tx.ID)
			if rerr != nil {
				return rerr
			}
			if fresh.Status == target {
				return nil
			}
			return r.apply(ctx, fresh, event)
		}
		return err
	}

	r.logger.Info("webhook applied",
		zap.String("transaction_id", tx.ID),
		zap.String("from", string(tx.Status)),
		zap.String("to", string(target)))

	if target == StatusConfirmed && tx.Type == TypeRefund && tx.OriginalID != "" {
		err := r.store.Transition(ctx, tx.OriginalID, StatusConfirmed, TransitionUpdate{
			To:     StatusRefunded,
			Reason: "refund " + tx.ID + " confirmed",
		})
		if err != nil && !IsKind(err, KindConcurrentTransition) {
			r.logger.Error("failed to mark original as refunded",
				zap.String("transaction_id", tx.OriginalID),
				zap.Error(err))
		}
	}
	return nil
}
