package synccash

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure so callers can react without
// inspecting provider-specific codes
type ErrorKind string

const (
	KindValidation              ErrorKind = "validation_error"
	KindRateLimited             ErrorKind = "rate_limited"
	KindIdempotencyConflict     ErrorKind = "idempotency_conflict"
	KindDuplicateInFlight       ErrorKind = "duplicate_in_flight"
	KindFraudBlocked            ErrorKind = "fraud_blocked"
	KindFraudRequiresVerify     ErrorKind = "fraud_requires_verification"
	KindNoEligibleProvider      ErrorKind = "no_eligible_provider"
	KindCircuitOpen             ErrorKind = "circuit_open"
	KindProviderTransient       ErrorKind = "provider_transient"
	KindProviderPermanent       ErrorKind = "provider_permanent"
	KindConcurrentTransition    ErrorKind = "concurrent_transition"
	KindInvalidStatusTransition ErrorKind = "invalid_status_transition"
	KindNotFound                ErrorKind = "not_found"
	KindUnknown                 ErrorKind = "unknown"
)

// Error is the canonical error for everything the orchestrator and
// adapters can fail with. Adapters classify operator failures into a
// Kind at the boundary; nothing above an adapter looks at HTTP codes.
type Error struct {
	Kind         ErrorKind
	Code         string // provider or field-level code, optional
	Message      string
	RetryAfter   time.Duration // set on rate_limited and circuit_open
	Ambiguous    bool          // the operation may have committed remotely
	ProviderTxID string        // set when a provider reference exists for probing
	Err          error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry engine may attempt this
// operation again
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindProviderTransient, KindCircuitOpen:
		return true
	}
	return false
}

// NewError builds a canonical error
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError attaches a kind to an underlying error
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from any error in the chain,
// defaulting to unknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
