package synccash

import (
	"context"
	"time"
)

// ProviderAdapter is implemented once per mobile-money operator.
// Adapters own authentication, request shaping, status-dialect mapping
// and webhook verification for their operator; everything they return
// is already canonical.
type ProviderAdapter interface {
	// Provider returns the operator tag ("mtn", "airteltigo", "vodafone")
	Provider() Provider

	// SupportsPhone reports whether the normalized +233 number belongs
	// to this operator's prefix ranges
	SupportsPhone(phone string) bool

	// Limits returns the operator's transaction bounds
	Limits() Limits

	// Authenticate refreshes the operator credentials. Idempotent;
	// adapters cache tokens internally and call this lazily, so it is
	// only needed for warm-up and health checks.
	Authenticate(ctx context.Context) error

	// Initiate starts a payment with the operator. On an ambiguous
	// failure (timeout after the request may have been accepted) the
	// returned *Error carries Ambiguous and the ProviderTxID to probe.
	Initiate(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)

	// Status queries the operator for the current state of a
	// previously initiated transaction
	Status(ctx context.Context, providerTxID string) (*ProviderResponse, error)

	// Refund reverses a confirmed transaction, possibly partially
	Refund(ctx context.Context, req RefundRequest) (*ProviderResponse, error)

	// VerifyWebhook authenticates a raw callback and maps it to a
	// canonical event. ok is false when the signature does not verify.
	VerifyWebhook(payload WebhookPayload) (*WebhookEvent, bool)
}

// TransitionUpdate describes one atomic status change: the new status
// plus the fields that change with it and the audit event to record
type TransitionUpdate struct {
	To                Status
	Provider          Provider
	ProviderTxID      string
	ProviderReference string
	FailureCode       string
	FailureReason     string
	CrossNetwork      bool
	ConfirmedAt       *time.Time
	CancelledAt       *time.Time
	Attempts          []Attempt
	Reason            string
	EventData         map[string]string
}

// TransactionStore persists transactions and their audit trail.
// Transition is conditional on the expected current status; a row
// whose status changed underneath the caller yields a
// concurrent_transition error and no write.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByProviderTxID(ctx context.Context, providerTxID string) (*Transaction, error)
	Transition(ctx context.Context, id string, from Status, upd TransitionUpdate) error
	// RecordDispatch persists the attempt audit and provider
	// references accumulated by the retry engine without touching the
	// status; webhooks race freely against it.
	RecordDispatch(ctx context.Context, id string, provider Provider, providerTxID, providerReference string, attempts []Attempt) error
	AppendEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, transactionID string) ([]Event, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
}

// FraudScore is the opaque scorer's verdict on a proposed payment
type FraudScore struct {
	RiskScore  float64  `json:"risk_score"`
	RiskLevel  string   `json:"risk_level"`
	IsFraud    bool     `json:"is_fraud"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// FraudScorer evaluates a proposed payment before any money moves.
// Implementations must be fail-open: a scorer outage returns a
// low-risk score, never an error that blocks payments.
type FraudScorer interface {
	Score(ctx context.Context, tx *Transaction) FraudScore
}
