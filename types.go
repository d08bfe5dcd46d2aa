package synccash

import (
	"net/http"
	"strings"
	"time"
)

// Provider identifies a mobile-money network operator
// (e.g., "mtn" for MTN Mobile Money)
type Provider string

const (
	ProviderMTN        Provider = "mtn"
	ProviderAirtelTigo Provider = "airteltigo"
	ProviderVodafone   Provider = "vodafone"
)

// Valid reports whether the provider is one of the known operators
func (p Provider) Valid() bool {
	switch p {
	case ProviderMTN, ProviderAirtelTigo, ProviderVodafone:
		return true
	}
	return false
}

// Status is the canonical lifecycle state of a transaction
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether a transaction in this status can never
// change status again
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// TransactionType distinguishes forward payments from refunds
type TransactionType string

const (
	TypePayment TransactionType = "payment"
	TypeRefund  TransactionType = "refund"
)

// Transaction is the canonical record of a payment or refund.
// Amount is in minor units (pesewas for GHS).
type Transaction struct {
	ID                string            `json:"id"`
	ExternalReference string            `json:"external_reference"`
	UserID            string            `json:"user_id"`
	Type              TransactionType   `json:"type"`
	Amount            Amount            `json:"amount"`
	Currency          string            `json:"currency"`
	RecipientPhone    string            `json:"recipient_phone"`
	RecipientName     string            `json:"recipient_name,omitempty"`
	Description       string            `json:"description,omitempty"`
	Status            Status            `json:"status"`
	Provider          Provider          `json:"provider,omitempty"`
	ProviderTxID      string            `json:"provider_tx_id,omitempty"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	OriginalID        string            `json:"original_id,omitempty"`
	RiskScore         float64           `json:"risk_score"`
	RiskLevel         string            `json:"risk_level,omitempty"`
	CrossNetwork      bool              `json:"cross_network,omitempty"`
	FailureCode       string            `json:"failure_code,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	Attempts          []Attempt         `json:"attempts,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
}

// Attempt records one dispatch of a transaction to a provider
type Attempt struct {
	Provider     Provider      `json:"provider"`
	Number       int           `json:"number"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Outcome      string        `json:"outcome"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ProviderTxID string        `json:"provider_tx_id,omitempty"`
}

// Attempt outcomes
const (
	AttemptAccepted            = "accepted"
	AttemptFailed              = "failed"
	AttemptCircuitOpen         = "circuit_open"
	AttemptConfirmedAfterProbe = "confirmed_after_status_probe"
)

// Event types recorded in the transaction audit log
const (
	EventStatusChange           = "status_change"
	EventAttempt                = "attempt"
	EventPostTerminalCallback   = "post_terminal_callback"
	EventPostCancelConfirmation = "post_cancel_confirmation"
	EventCrossNetwork           = "cross_network"
)

// Event is an append-only audit record for a transaction
type Event struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	Type          string            `json:"type"`
	From          Status            `json:"from,omitempty"`
	To            Status            `json:"to,omitempty"`
	Provider      Provider          `json:"provider,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ProviderRequest is what an adapter needs to initiate a collection
// or disbursement with its operator
type ProviderRequest struct {
	TransactionID string
	Reference     string
	Amount        Amount
	Currency      string
	Phone         string
	Description   string
}

// ProviderResponse is the adapter-level result of an initiate, status
// or refund call, with the provider's status already mapped to the
// canonical set
type ProviderResponse struct {
	ProviderTxID      string
	ProviderReference string
	Status            Status
	RawStatus         string
	Message           string
}

// RefundRequest asks an adapter to reverse a previously confirmed
// transaction, possibly partially
type RefundRequest struct {
	TransactionID        string
	Reference            string
	OriginalProviderTxID string
	Amount               Amount
	Currency             string
	Phone                string
	Reason               string
}

// Limits are the per-provider transaction bounds in minor units
type Limits struct {
	Min   Amount `json:"min"`
	Max   Amount `json:"max"`
	Daily Amount `json:"daily"`
}

// WebhookEvent is a provider callback after signature verification
// and field mapping
type WebhookEvent struct {
	Provider     Provider
	ProviderTxID string
	Status       Status
	RawStatus    string
	Reference    string
	Message      string
}

// WebhookPayload is a raw callback as delivered, before verification
type WebhookPayload struct {
	Body    []byte
	Headers http.Header
}

// NormalizePhone canonicalizes a Ghanaian MSISDN to +233XXXXXXXXX.
// Accepts "+233XXXXXXXXX", "233XXXXXXXXX" and "0XXXXXXXXX" forms.
func NormalizePhone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	switch {
	case strings.HasPrefix(s, "+233") && len(s) == 13:
	case strings.HasPrefix(s, "233") && len(s) == 12:
		s = "+" + s
	case strings.HasPrefix(s, "0") && len(s) == 10:
		s = "+233" + s[1:]
	default:
		return "", false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}

// NetworkPrefix returns the two-digit operator prefix of a normalized
// +233 number ("24" for +23324xxxxxxx)
func NetworkPrefix(phone string) string {
	if len(phone) != 13 || !strings.HasPrefix(phone, "+233") {
		return ""
	}
	return phone[4:6]
}
