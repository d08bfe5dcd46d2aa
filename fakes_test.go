package synccash

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// memStore is an in-memory TransactionStore for pipeline tests. It
// enforces the same conditional-update semantics as the SQL store.
type memStore struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	events       []Event
	eventSeq     int
	now          func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	if now == nil {
		now = time.Now
	}
	return &memStore{transactions: make(map[string]*Transaction), now: now}
}

var _ TransactionStore = (*memStore)(nil)

func copyTx(tx *Transaction) *Transaction {
	dup := *tx
	dup.Attempts = append([]Attempt(nil), tx.Attempts...)
	return &dup
}

func (s *memStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.ID]; ok {
		return NewError(KindUnknown, "duplicate_id", "transaction already exists")
	}
	s.transactions[tx.ID] = copyTx(tx)
	return nil
}

func (s *memStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, NewError(KindNotFound, "", "transaction not found")
	}
	return copyTx(tx), nil
}

func (s *memStore) GetByProviderTxID(_ context.Context, providerTxID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.transactions {
		if tx.ProviderTxID == providerTxID {
			return copyTx(tx), nil
		}
	}
	return nil, NewError(KindNotFound, "", "no transaction for provider reference")
}

func (s *memStore) Transition(_ context.Context, id string, from Status, upd TransitionUpdate) error {
	if !TransitionValid(from, upd.To) {
		return NewError(KindInvalidStatusTransition, "", fmt.Sprintf("illegal transition %s -> %s", from, upd.To))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return NewError(KindNotFound, "", "transaction not found")
	}
	if tx.Status != from {
		return NewError(KindConcurrentTransition, "", fmt.Sprintf("transaction is %s, not %s", tx.Status, from))
	}
	tx.Status = upd.To
	tx.UpdatedAt = s.now()
	if upd.Provider != "" {
		tx.Provider = upd.Provider
	}
	if upd.ProviderTxID != "" {
		tx.ProviderTxID = upd.ProviderTxID
	}
	if upd.ProviderReference != "" {
		tx.ProviderReference = upd.ProviderReference
	}
	if upd.FailureCode != "" {
		tx.FailureCode = upd.FailureCode
	}
	if upd.FailureReason != "" {
		tx.FailureReason = upd.FailureReason
	}
	if upd.CrossNetwork {
		tx.CrossNetwork = true
	}
	if upd.ConfirmedAt != nil {
		tx.ConfirmedAt = upd.ConfirmedAt
	}
	if upd.CancelledAt != nil {
		tx.CancelledAt = upd.CancelledAt
	}
	if upd.Attempts != nil {
		tx.Attempts = append([]Attempt(nil), upd.Attempts...)
	}
	s.eventSeq++
	s.events = append(s.events, Event{
		ID:            fmt.Sprintf("ev-%d", s.eventSeq),
		TransactionID: id,
		Type:          EventStatusChange,
		From:          from,
		To:            upd.To,
		Provider:      upd.Provider,
		Reason:        upd.Reason,
		Data:          upd.EventData,
		CreatedAt:     s.now(),
	})
	return nil
}

func (s *memStore) RecordDispatch(_ context.Context, id string, provider Provider, providerTxID, providerReference string, attempts []Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return NewError(KindNotFound, "", "transaction not found")
	}
	tx.Provider = provider
	tx.ProviderTxID = providerTxID
	tx.ProviderReference = providerReference
	tx.Attempts = append([]Attempt(nil), attempts...)
	tx.UpdatedAt = s.now()
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", s.eventSeq)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, transactionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.TransactionID == transactionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Transaction
	for _, tx := range s.transactions {
		if len(out) >= limit {
			break
		}
		if (tx.Status == StatusPending || tx.Status == StatusProcessing) && tx.ExpiresAt.Before(now) {
			out = append(out, copyTx(tx))
		}
	}
	return out, nil
}

// statusChanges projects a transaction's status-change events for
// audit assertions
func (s *memStore) statusChanges(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.TransactionID == id && ev.Type == EventStatusChange {
			out = append(out, string(ev.From)+"->"+string(ev.To))
		}
	}
	return out
}

// fakeAdapter is a scriptable provider adapter
type fakeAdapter struct {
	tag      Provider
	prefixes []string
	limits   Limits

	mu            sync.Mutex
	initiateCalls int
	statusCalls   int
	refundCalls   int
	initiateFn    func(call int, req ProviderRequest) (*ProviderResponse, error)
	statusFn      func(providerTxID string) (*ProviderResponse, error)
	refundFn      func(req RefundRequest) (*ProviderResponse, error)
	verifyFn      func(payload WebhookPayload) (*WebhookEvent, bool)
}

var _ ProviderAdapter = (*fakeAdapter)(nil)

func newFakeAdapter(tag Provider, prefixes ...string) *fakeAdapter {
	return &fakeAdapter{
		tag:      tag,
		prefixes: prefixes,
		limits: Limits{
			Min:   MustAmount("1.00"),
			Max:   MustAmount("10000.00"),
			Daily: MustAmount("50000.00"),
		},
	}
}

func (a *fakeAdapter) Provider() Provider { return a.tag }

func (a *fakeAdapter) SupportsPhone(phone string) bool {
	prefix := NetworkPrefix(phone)
	for _, p := range a.prefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

func (a *fakeAdapter) Limits() Limits { return a.limits }

func (a *fakeAdapter) Authenticate(context.Context) error { return nil }

func (a *fakeAdapter) Initiate(_ context.Context, req ProviderRequest) (*ProviderResponse, error) {
	a.mu.Lock()
	a.initiateCalls++
	call := a.initiateCalls
	fn := a.initiateFn
	a.mu.Unlock()
	if fn != nil {
		return fn(call, req)
	}
	return &ProviderResponse{
		ProviderTxID: fmt.Sprintf("%s-%d", a.tag, call),
		Status:       StatusPending,
	}, nil
}

func (a *fakeAdapter) Status(_ context.Context, providerTxID string) (*ProviderResponse, error) {
	a.mu.Lock()
	a.statusCalls++
	fn := a.statusFn
	a.mu.Unlock()
	if fn != nil {
		return fn(providerTxID)
	}
	return &ProviderResponse{ProviderTxID: providerTxID, Status: StatusPending}, nil
}

func (a *fakeAdapter) Refund(_ context.Context, req RefundRequest) (*ProviderResponse, error) {
	a.mu.Lock()
	a.refundCalls++
	fn := a.refundFn
	a.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &ProviderResponse{
		ProviderTxID: "refund-" + req.TransactionID,
		Status:       StatusConfirmed,
	}, nil
}

func (a *fakeAdapter) VerifyWebhook(payload WebhookPayload) (*WebhookEvent, bool) {
	if a.verifyFn != nil {
		return a.verifyFn(payload)
	}
	return nil, false
}

func (a *fakeAdapter) calls() (initiate, status, refund int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initiateCalls, a.statusCalls, a.refundCalls
}

// fakeScorer returns a fixed verdict
type fakeScorer struct {
	score FraudScore
}

func (f *fakeScorer) Score(context.Context, *Transaction) FraudScore { return f.score }

func lowRiskScorer() *fakeScorer {
	return &fakeScorer{score: FraudScore{RiskScore: 0.05, RiskLevel: "low", Confidence: 0.9}}
}

// fakeLimiter admits everything unless told otherwise
type fakeLimiter struct {
	mu     sync.Mutex
	denied map[string]time.Duration // endpoint -> retry-after
	checks []string
}

func (l *fakeLimiter) Check(key, endpoint string) RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks = append(l.checks, key+"|"+endpoint)
	if after, ok := l.denied[endpoint]; ok {
		return RateLimitResult{Allowed: false, RetryAfter: after}
	}
	return RateLimitResult{Allowed: true}
}

func transientError(code string) *Error {
	return &Error{Kind: KindProviderTransient, Code: code, Message: "provider unavailable"}
}

func testLogger() *zap.Logger { return zap.NewNop() }

func idSequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func hasOutcome(attempts []Attempt, outcome string) bool {
	for _, a := range attempts {
		if a.Outcome == outcome {
			return true
		}
	}
	return false
}

func joinChanges(changes []string) string { return strings.Join(changes, ",") }
