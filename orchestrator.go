package synccash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/synccash/orchestrator/idempotency"
)

// TransactionConfig bounds what a single payment may look like
type TransactionConfig struct {
	MinAmount Amount
	MaxAmount Amount
	Timeout   time.Duration
	Currency  string
}

// DefaultTransactionConfig matches the operator-facing defaults
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		MinAmount: MustAmount("1.00"),
		MaxAmount: MustAmount("10000.00"),
		Timeout:   300 * time.Second,
		Currency:  "GHS",
	}
}

// FraudPolicy maps the opaque scorer's verdict to a decision. Levels
// come from configuration, not from the scorer.
type FraudPolicy struct {
	BlockLevel  string // risk_level at which payment is refused outright
	VerifyLevel string // risk_level at which verification is demanded
}

// DefaultFraudPolicy blocks critical, demands verification at high
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{BlockLevel: "critical", VerifyLevel: "high"}
}

// RateLimitChecker is the limiter surface the orchestrator needs
type RateLimitChecker interface {
	Check(key, endpoint string) RateLimitResult
}

// RateLimitResult mirrors the limiter's admission verdict
type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Rate limited endpoints
const (
	EndpointPaymentsInitiate = "payments_initiate"
	EndpointPaymentsStatus   = "payments_status"
	EndpointRefundRequests   = "refund_requests"
)

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	ctrlChars     = regexp.MustCompile("[\x00-\x1f\x7f]")
)

// InitiateRequest is the inbound payment submission after transport
// decoding, before sanitisation
type InitiateRequest struct {
	UserID         string            `json:"user_id"`
	Amount         string            `json:"amount"`
	RecipientPhone string            `json:"recipient_phone"`
	RecipientName  string            `json:"recipient_name"`
	Description    string            `json:"description,omitempty"`
	Preference     string            `json:"preferred_provider,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// PaymentResult is the canonical response for a payment submission;
// this exact payload is what the idempotency store replays
type PaymentResult struct {
	TransactionID     string   `json:"transaction_id"`
	ExternalReference string   `json:"external_reference"`
	Status            Status   `json:"status"`
	Provider          Provider `json:"provider,omitempty"`
	Message           string   `json:"message,omitempty"`
}

// Orchestrator threads every submission through the full pipeline:
// rate limit, idempotency, fraud, persistence, selection, dispatch.
// All collaborators are explicit; there is no process-wide state.
type Orchestrator struct {
	store      TransactionStore
	idem       idempotency.Store
	limiter    RateLimitChecker
	scorer     FraudScorer
	selector   *Selector
	dispatcher *Dispatcher
	adapters   map[Provider]ProviderAdapter
	cfg        TransactionConfig
	policy     FraudPolicy
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewOrchestrator wires the pipeline together
func NewOrchestrator(
	store TransactionStore,
	idem idempotency.Store,
	limiter RateLimitChecker,
	scorer FraudScorer,
	selector *Selector,
	dispatcher *Dispatcher,
	adapters []ProviderAdapter,
	cfg TransactionConfig,
	policy FraudPolicy,
	logger *zap.Logger,
) *Orchestrator {
	byTag := make(map[Provider]ProviderAdapter, len(adapters))
	for _, a := range adapters {
		byTag[a.Provider()] = a
	}
	return &Orchestrator{
		store:      store,
		idem:       idem,
		limiter:    limiter,
		scorer:     scorer,
		selector:   selector,
		dispatcher: dispatcher,
		adapters:   byTag,
		cfg:        cfg,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// SetClock replaces the time source, for tests
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetIDGenerator replaces the id source, for tests
func (o *Orchestrator) SetIDGenerator(newID func() string) { o.newID = newID }

// ExternalReference derives the customer-facing reference from a
// transaction id
func ExternalReference(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return "TXN_" + strings.ToUpper(compact)
}

func sanitize(s string) string {
	return strings.TrimSpace(ctrlChars.ReplaceAllString(s, ""))
}

type validatedRequest struct {
	UserID    string
	Amount    Amount
	Phone     string
	Name      string
	Desc      string
	Preferred Provider
	Metadata  map[string]string
}

func (o *Orchestrator) validate(req InitiateRequest) (*validatedRequest, error) {
	userID := sanitize(req.UserID)
	if !userIDPattern.MatchString(userID) {
		return nil, NewError(KindValidation, "user_id", "user_id must match [A-Za-z0-9_-]{1,64}")
	}
	phone, ok := NormalizePhone(sanitize(req.RecipientPhone))
	if !ok {
		return nil, NewError(KindValidation, "recipient_phone", "recipient_phone is not a valid Ghanaian MSISDN")
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return nil, NewError(KindValidation, "amount", err.Error())
	}
	if amount < o.cfg.MinAmount {
		return nil, NewError(KindValidation, "amount",
			fmt.Sprintf("amount %s below minimum %s", amount, o.cfg.MinAmount))
	}
	if amount > o.cfg.MaxAmount {
		return nil, NewError(KindValidation, "amount",
			fmt.Sprintf("amount %s above maximum %s", amount, o.cfg.MaxAmount))
	}
	preferred := Provider(sanitize(req.Preference))
	if preferred != "" && !preferred.Valid() {
		return nil, NewError(KindValidation, "preferred_provider",
			fmt.Sprintf("unknown provider %q", preferred))
	}
	return &validatedRequest{
		UserID:    userID,
		Amount:    amount,
		Phone:     phone,
		Name:      sanitize(req.RecipientName),
		Desc:      sanitize(req.Description),
		Preferred: preferred,
		Metadata:  req.Metadata,
	}, nil
}

// requestHash derives the idempotency hash over the full canonical
// body, metadata included, so any changed field is a conflict
func requestHash(v *validatedRequest) string {
	return idempotency.RequestHash(v.UserID, v.Amount.String(), v.Phone, v.Name,
		v.Desc, string(v.Preferred), canonicalMetadata(v.Metadata))
}

func canonicalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1e')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

// InitiatePayment implements the submission pipeline. The returned
// PaymentResult is byte-identical across idempotent replays.
func (o *Orchestrator) InitiatePayment(ctx context.Context, req InitiateRequest) (*PaymentResult, error) {
	v, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	if res := o.limiter.Check(v.UserID, EndpointPaymentsInitiate); !res.Allowed {
		return nil, &Error{
			Kind:       KindRateLimited,
			Message:    "too many payment requests",
			RetryAfter: res.RetryAfter,
		}
	}

	hash := requestHash(v)
	withKey := req.IdempotencyKey != ""
	if withKey {
		begin, err := o.idem.Begin(ctx, req.IdempotencyKey, hash)
		if err != nil {
			return nil, WrapError(KindUnknown, err, "idempotency store unavailable")
		}
		switch begin.Outcome {
		case idempotency.Completed:
			var cached PaymentResult
			if err := json.Unmarshal(begin.Response, &cached); err != nil {
				return nil, WrapError(KindUnknown, err, "corrupt idempotency record")
			}
			if begin.Failed {
				return &cached, NewError(KindFromCached(cached.Message), "", cached.Message)
			}
			return &cached, nil
		case idempotency.Conflict:
			return nil, NewError(KindIdempotencyConflict, "",
				"idempotency key reused with a different request")
		case idempotency.InProgress:
			if begin.TransactionID != "" {
				return nil, NewError(KindDuplicateInFlight, "",
					fmt.Sprintf("request is already being processed as transaction %s", begin.TransactionID))
			}
			return nil, NewError(KindDuplicateInFlight, "",
				"an identical request is still being processed")
		}
		// Fresh or Restarted: this caller owns the execution.
	}

	result, err := o.execute(ctx, v, req.IdempotencyKey)
	if withKey {
		o.finishIdempotency(ctx, req.IdempotencyKey, result, err)
	}
	return result, err
}

// KindFromCached recovers an error kind from a replayed failure
// response; unrecognised messages degrade to unknown
func KindFromCached(message string) ErrorKind {
	for _, k := range []ErrorKind{
		KindFraudBlocked, KindFraudRequiresVerify, KindNoEligibleProvider,
		KindProviderPermanent, KindProviderTransient,
	} {
		if strings.Contains(message, string(k)) {
			return k
		}
	}
	return KindUnknown
}

func (o *Orchestrator) finishIdempotency(ctx context.Context, key string, result *PaymentResult, cause error) {
	// Rate-limit and duplicate outcomes never finalise the record;
	// everything that created (or refused to create) a transaction does.
	if cause != nil {
		switch KindOf(cause) {
		case KindRateLimited, KindDuplicateInFlight, KindIdempotencyConflict:
			return
		}
		payload := result
		if payload == nil {
			payload = &PaymentResult{Status: StatusFailed, Message: cause.Error()}
		}
		encoded, err := json.Marshal(payload)
		if err == nil {
			err = o.idem.Fail(ctx, key, encoded)
		}
		if err != nil {
			o.logger.Error("failed to finalise idempotency record", zap.Error(err))
		}
		return
	}
	encoded, err := json.Marshal(result)
	if err == nil {
		err = o.idem.Complete(ctx, key, encoded)
	}
	if err != nil {
		o.logger.Error("failed to finalise idempotency record", zap.Error(err))
	}
}

func (o *Orchestrator) execute(ctx context.Context, v *validatedRequest, idemKey string) (*PaymentResult, error) {
	now := o.now()
	id := o.newID()
	tx := &Transaction{
		ID:                id,
		ExternalReference: ExternalReference(id),
		UserID:            v.UserID,
		Type:              TypePayment,
		Amount:            v.Amount,
		Currency:          o.cfg.Currency,
		RecipientPhone:    v.Phone,
		RecipientName:     v.Name,
		Description:       v.Desc,
		Status:            StatusInitiated,
		Metadata:          v.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(o.cfg.Timeout),
	}

	score := o.scorer.Score(ctx, tx)
	tx.RiskScore = score.RiskScore
	tx.RiskLevel = score.RiskLevel

	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if idemKey != "" {
		// Bind the record to its transaction so concurrent duplicates
		// can point the caller at the in-flight one.
		if err := o.idem.Bind(ctx, idemKey, tx.ID); err != nil {
			o.logger.Warn("failed to bind idempotency record",
				zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}

	if score.IsFraud {
		switch score.RiskLevel {
		case o.policy.BlockLevel:
			return o.failInitiated(ctx, tx, KindFraudBlocked, "fraud_blocked",
				"payment refused by fraud screening")
		case o.policy.VerifyLevel:
			return o.failInitiated(ctx, tx, KindFraudRequiresVerify, "fraud_requires_verification",
				"additional verification required before this payment can proceed")
		}
	}

	providers, crossNetwork, err := o.selector.Select(v.Phone, v.Amount, v.Preferred)
	if err != nil {
		if _, ferr := o.failInitiated(ctx, tx, KindNoEligibleProvider, "no_eligible_provider", err.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	primary := providers[0].Provider()
	upd := TransitionUpdate{
		To:           StatusPending,
		Provider:     primary,
		CrossNetwork: crossNetwork,
		Reason:       "dispatching to provider",
	}
	if crossNetwork {
		upd.EventData = map[string]string{"cross_network": "true"}
		o.logger.Warn("no on-network provider available, routing cross-network",
			zap.String("transaction_id", tx.ID),
			zap.String("provider", string(primary)))
	}
	if err := o.store.Transition(ctx, tx.ID, StatusInitiated, upd); err != nil {
		return nil, err
	}

	preq := ProviderRequest{
		TransactionID: tx.ID,
		Reference:     tx.ExternalReference,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Phone:         tx.RecipientPhone,
		Description:   tx.Description,
	}
	dres, derr := o.dispatcher.Execute(ctx, providers, func(ctx context.Context, p ProviderAdapter) (*ProviderResponse, error) {
		return p.Initiate(ctx, preq)
	})
	if derr != nil {
		return nil, o.failDispatch(ctx, tx, derr)
	}

	if err := o.store.RecordDispatch(ctx, tx.ID, dres.Provider,
		dres.Response.ProviderTxID, dres.Response.ProviderReference, dres.Attempts); err != nil {
		o.logger.Error("failed to record dispatch audit",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}

	status := StatusPending
	if dres.Response.Status == StatusConfirmed {
		confirmedAt := o.now()
		err := o.store.Transition(ctx, tx.ID, StatusPending, TransitionUpdate{
			To:          StatusConfirmed,
			Provider:    dres.Provider,
			ConfirmedAt: &confirmedAt,
			Reason:      "provider confirmed synchronously",
		})
		if err != nil && !IsKind(err, KindConcurrentTransition) {
			return nil, err
		}
		status = StatusConfirmed
	}

	o.logger.Info("payment dispatched",
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(dres.Provider)),
		zap.String("status", string(status)),
		zap.Int("attempts", len(dres.Attempts)))

	return &PaymentResult{
		TransactionID:     tx.ID,
		ExternalReference: tx.ExternalReference,
		Status:            status,
		Provider:          dres.Provider,
		Message:           dres.Response.Message,
	}, nil
}

func (o *Orchestrator) failInitiated(ctx context.Context, tx *Transaction, kind ErrorKind, code, message string) (*PaymentResult, error) {
	err := o.store.Transition(ctx, tx.ID, StatusInitiated, TransitionUpdate{
		To:            StatusFailed,
		FailureCode:   code,
		FailureReason: message,
		Reason:        message,
	})
	if err != nil {
		return nil, err
	}
	return &PaymentResult{
		TransactionID:     tx.ID,
		ExternalReference: tx.ExternalReference,
		Status:            StatusFailed,
		Message:           string(kind) + ": " + message,
	}, NewError(kind, code, message)
}

func (o *Orchestrator) failDispatch(ctx context.Context, tx *Transaction, derr error) error {
	var de *DispatchError
	attempts := []Attempt(nil)
	cause := derr
	if errors.As(derr, &de) {
		attempts = de.Attempts
		cause = de.Err
	}
	var perr *Error
	if !errors.As(cause, &perr) {
		perr = WrapError(KindUnknown, cause, "dispatch failed")
	}

	err := o.store.Transition(ctx, tx.ID, StatusPending, TransitionUpdate{
		To:            StatusFailed,
		FailureCode:   string(perr.Kind),
		FailureReason: perr.Message,
		Attempts:      attempts,
		Reason:        "all providers exhausted",
	})
	if err != nil && !IsKind(err, KindConcurrentTransition) {
		o.logger.Error("failed to record dispatch failure",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	return perr
}

// GetTransaction returns the stored projection of one transaction
func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return o.store.GetTransaction(ctx, id)
}

// ListEvents returns a transaction's audit log
func (o *Orchestrator) ListEvents(ctx context.Context, id string) ([]Event, error) {
	return o.store.ListEvents(ctx, id)
}

// Cancel accepts a user's cancellation of a pending payment. An
// in-flight provider call is not interrupted; cancellation only wins
// if it transitions first.
func (o *Orchestrator) Cancel(ctx context.Context, id, userID string) (*Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, NewError(KindNotFound, "", fmt.Sprintf("transaction %s not found", id))
	}
	cancelledAt := o.now()
	err = o.store.Transition(ctx, id, StatusPending, TransitionUpdate{
		To:          StatusCancelled,
		CancelledAt: &cancelledAt,
		Reason:      "cancelled by user",
	})
	if err != nil {
		if IsKind(err, KindInvalidStatusTransition) || IsKind(err, KindConcurrentTransition) {
			return nil, NewError(KindConcurrentTransition, "",
				fmt.Sprintf("transaction %s can no longer be cancelled", id))
		}
		return nil, err
	}
	return o.store.GetTransaction(ctx, id)
}

// RefundRequestInput is the inbound refund submission
type RefundRequestInput struct {
	TransactionID string
	Amount        string // optional; empty means full refund
	Reason        string
}

// Refund creates a refund transaction against a confirmed payment and
// dispatches it to the original provider. The original row moves to
// refunded only when the refund confirms.
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequestInput) (*PaymentResult, error) {
	original, err := o.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if original.Status != StatusConfirmed || original.Type != TypePayment {
		return nil, NewError(KindValidation, "transaction_id",
			fmt.Sprintf("transaction %s is not a confirmed payment", req.TransactionID))
	}

	if res := o.limiter.Check(original.UserID, EndpointRefundRequests); !res.Allowed {
		return nil, &Error{
			Kind:       KindRateLimited,
			Message:    "too many refund requests",
			RetryAfter: res.RetryAfter,
		}
	}

	amount := original.Amount
	if req.Amount != "" {
		amount, err = ParseAmount(req.Amount)
		if err != nil {
			return nil, NewError(KindValidation, "amount", err.Error())
		}
	}
	if amount <= 0 || amount > original.Amount {
		return nil, NewError(KindValidation, "amount",
			fmt.Sprintf("refund amount %s exceeds original %s", amount, original.Amount))
	}

	adapter, ok := o.adapters[original.Provider]
	if !ok {
		return nil, NewError(KindNoEligibleProvider, "",
			fmt.Sprintf("provider %s is no longer configured", original.Provider))
	}

	now := o.now()
	id := o.newID()
	refund := &Transaction{
		ID:                id,
		ExternalReference: ExternalReference(id),
		UserID:            original.UserID,
		Type:              TypeRefund,
		Amount:            amount,
		Currency:          original.Currency,
		RecipientPhone:    original.RecipientPhone,
		RecipientName:     original.RecipientName,
		Description:       sanitize(req.Reason),
		Status:            StatusInitiated,
		OriginalID:        original.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(o.cfg.Timeout),
	}
	if err := o.store.CreateTransaction(ctx, refund); err != nil {
		return nil, err
	}
	if err := o.store.Transition(ctx, refund.ID, StatusInitiated, TransitionUpdate{
		To:       StatusPending,
		Provider: original.Provider,
		Reason:   "dispatching refund to provider",
	}); err != nil {
		return nil, err
	}

	rreq := RefundRequest{
		TransactionID:        refund.ID,
		Reference:            refund.ExternalReference,
		OriginalProviderTxID: original.ProviderTxID,
		Amount:               amount,
		Currency:             refund.Currency,
		Phone:                refund.RecipientPhone,
		Reason:               refund.Description,
	}
	dres, derr := o.dispatcher.Execute(ctx, []ProviderAdapter{adapter}, func(ctx context.Context, p ProviderAdapter) (*ProviderResponse, error) {
		return p.Refund(ctx, rreq)
	})
	if derr != nil {
		return nil, o.failDispatch(ctx, refund, derr)
	}

	if err := o.store.RecordDispatch(ctx, refund.ID, dres.Provider,
		dres.Response.ProviderTxID, dres.Response.ProviderReference, dres.Attempts); err != nil {
		o.logger.Error("failed to record refund dispatch audit",
			zap.String("transaction_id", refund.ID), zap.Error(err))
	}

	status := StatusPending
	if dres.Response.Status == StatusConfirmed {
		confirmedAt := o.now()
		err := o.store.Transition(ctx, refund.ID, StatusPending, TransitionUpdate{
			To:          StatusConfirmed,
			Provider:    dres.Provider,
			ConfirmedAt: &confirmedAt,
			Reason:      "provider confirmed refund synchronously",
		})
		if err != nil && !IsKind(err, KindConcurrentTransition) {
			return nil, err
		}
		status = StatusConfirmed
		o.settleRefundedOriginal(ctx, refund)
	}

	return &PaymentResult{
		TransactionID:     refund.ID,
		ExternalReference: refund.ExternalReference,
		Status:            status,
		Provider:          dres.Provider,
		Message:           dres.Response.Message,
	}, nil
}

// settleRefundedOriginal moves the original payment to refunded once
// its refund transaction has confirmed
func (o *Orchestrator) settleRefundedOriginal(ctx context.Context, refund *Transaction) {
	if refund.OriginalID == "" {
		return
	}
	err := o.store.Transition(ctx, refund.OriginalID, StatusConfirmed, TransitionUpdate{
		To:     StatusRefunded,
		Reason: "refund " + refund.ID + " confirmed",
	})
	if err != nil && !IsKind(err, KindConcurrentTransition) {
		o.logger.Error("failed to mark original as refunded",
			zap.String("transaction_id", refund.OriginalID),
			zap.String("refund_id", refund.ID),
			zap.Error(err))
	}
}
