// Package mtn implements the MTN Mobile Money collection adapter.
package mtn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/providers"
)

// prefixes are the two-digit MTN Ghana operator prefixes
var prefixes = map[string]bool{"24": true, "54": true, "55": true, "59": true}

// statusMap translates MTN's status dialect to canonical statuses.
// Unknown strings map to pending: MoMo adds statuses without notice
// and an unknown string must never terminate a transaction.
var statusMap = map[string]synccash.Status{
	"PENDING":    synccash.StatusPending,
	"SUCCESSFUL": synccash.StatusConfirmed,
	"FAILED":     synccash.StatusFailed,
	"TIMEOUT":    synccash.StatusFailed,
	"CANCELLED":  synccash.StatusCancelled,
}

// MapStatus is total: anything unrecognised stays pending
func MapStatus(raw string) synccash.Status {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return synccash.StatusPending
}

// Config extends the shared adapter config with MoMo specifics
type Config struct {
	providers.Config
	SubscriptionKey string
	TargetEnv       string // "sandbox" or the production target
}

// Adapter talks to the MoMo collection and disbursement APIs
type Adapter struct {
	cfg    Config
	client *http.Client
	tokens *providers.TokenSource
	logger *zap.Logger
	newRef func() string
}

// New creates an MTN adapter
func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.TargetEnv == "" {
		if cfg.Sandbox {
			cfg.TargetEnv = "sandbox"
		} else {
			cfg.TargetEnv = "mtnghana"
		}
	}
	a := &Adapter{
		cfg:    cfg,
		client: providers.NewHTTPClient(cfg.Timeout),
		logger: logger,
		newRef: uuid.NewString,
	}
	a.tokens = providers.NewTokenSource(a.fetchToken, time.Minute)
	return a
}

var _ synccash.ProviderAdapter = (*Adapter)(nil)

// Provider returns the operator tag
func (a *Adapter) Provider() synccash.Provider { return synccash.ProviderMTN }

// SupportsPhone reports whether the number is on MTN's prefix ranges
func (a *Adapter) SupportsPhone(phone string) bool {
	return prefixes[synccash.NetworkPrefix(phone)]
}

// Limits returns the environment's transaction bounds
func (a *Adapter) Limits() synccash.Limits { return a.cfg.EffectiveLimits() }

// Authenticate warms the token cache
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.tokens.Token(ctx)
	return err
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL()+"/collection/token/", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(a.cfg.APIKey, a.cfg.APISecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, providers.ClassifyTransport(a.Provider(), err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, providers.ClassifyHTTP(a.Provider(), resp.StatusCode, "AUTH_FAILED", string(body), resp.Header)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

// msisdn strips the leading + the MoMo API does not accept
func msisdn(phone string) string { return strings.TrimPrefix(phone, "+") }

type requestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        party  `json:"payer"`
	PayerMessage string `json:"payerMessage,omitempty"`
	PayeeNote    string `json:"payeeNote,omitempty"`
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

// Initiate starts a request-to-pay. The X-Reference-Id is generated
// client-side before the call, so a timeout still leaves a reference
// the retry engine can probe.
func (a *Adapter) Initiate(ctx context.Context, req synccash.ProviderRequest) (*synccash.ProviderResponse, error) {
	referenceID := a.newRef()

	body, err := json.Marshal(requestToPay{
		Amount:     req.Amount.String(),
		Currency:   req.Currency,
		ExternalID: req.Reference,
		Payer: party{
			PartyIDType: "MSISDN",
			PartyID:     msisdn(req.Phone),
		},
		PayerMessage: req.Description,
		PayeeNote:    req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := a.authedRequest(ctx, http.MethodPost, "/collection/v1_0/requesttopay", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Reference-Id", referenceID)
	if a.cfg.CallbackURL != "" {
		httpReq.Header.Set("X-Callback-Url", a.cfg.CallbackURL)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, referenceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, a.classifyBody(resp)
	}
	return &synccash.ProviderResponse{
		ProviderTxID: referenceID,
		Status:       synccash.StatusPending,
		RawStatus:    "PENDING",
		Message:      "request to pay accepted",
	}, nil
}

// Status queries a previously initiated request-to-pay
func (a *Adapter) Status(ctx context.Context, providerTxID string) (*synccash.ProviderResponse, error) {
	httpReq, err := a.authedRequest(ctx, http.MethodGet, "/collection/v1_0/requesttopay/"+providerTxID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyBody(resp)
	}
	var out struct {
		Status                 string `json:"status"`
		FinancialTransactionID string `json:"financialTransactionId"`
		Reason                 any    `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &synccash.ProviderResponse{
		ProviderTxID:      providerTxID,
		ProviderReference: out.FinancialTransactionID,
		Status:            MapStatus(out.Status),
		RawStatus:         out.Status,
	}, nil
}

// Refund issues a disbursement back to the payer
func (a *Adapter) Refund(ctx context.Context, req synccash.RefundRequest) (*synccash.ProviderResponse, error) {
	referenceID := a.newRef()

	body, err := json.Marshal(requestToPay{
		Amount:     req.Amount.String(),
		Currency:   req.Currency,
		ExternalID: req.Reference,
		Payer: party{
			PartyIDType: "MSISDN",
			PartyID:     msisdn(req.Phone),
		},
		PayeeNote: "refund of " + req.OriginalProviderTxID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refund: %w", err)
	}

	httpReq, err := a.authedRequest(ctx, http.MethodPost, "/disbursement/v1_0/transfer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Reference-Id", referenceID)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, referenceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, a.classifyBody(resp)
	}
	return &synccash.ProviderResponse{
		ProviderTxID: referenceID,
		Status:       synccash.StatusPending,
		RawStatus:    "PENDING",
		Message:      "refund transfer accepted",
	}, nil
}

// VerifyWebhook authenticates a MoMo callback via the shared-secret
// HMAC over the raw body
func (a *Adapter) VerifyWebhook(payload synccash.WebhookPayload) (*synccash.WebhookEvent, bool) {
	if !providers.VerifyHMAC(a.cfg.WebhookSecret, payload.Body, payload.Headers.Get("X-Callback-Signature")) {
		return nil, false
	}
	var body struct {
		ReferenceID            string `json:"referenceId"`
		Status                 string `json:"status"`
		FinancialTransactionID string `json:"financialTransactionId"`
		Reason                 string `json:"reason"`
	}
	if err := json.Unmarshal(payload.Body, &body); err != nil {
		return nil, false
	}
	if body.ReferenceID == "" {
		return nil, false
	}
	return &synccash.WebhookEvent{
		Provider:     synccash.ProviderMTN,
		ProviderTxID: body.ReferenceID,
		Status:       MapStatus(body.Status),
		RawStatus:    body.Status,
		Reference:    body.FinancialTransactionID,
		Message:      body.Reason,
	}, true
}

func (a *Adapter) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.URL()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
	req.Header.Set("X-Target-Environment", a.cfg.TargetEnv)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) classifyBody(resp *http.Response) *synccash.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Message == "" {
		body.Message = string(raw)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Expired token; drop the cache so the next call re-fetches.
		a.tokens.Invalidate()
	}
	err := providers.ClassifyHTTP(a.Provider(), resp.StatusCode, body.Code, body.Message, resp.Header)
	a.logger.Warn("mtn request rejected",
		zap.Int("status", resp.StatusCode),
		zap.String("code", body.Code))
	return err
}
