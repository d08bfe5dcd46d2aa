// Package vodafone implements the Vodafone Cash (Telecel) adapter.
package vodafone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/providers"
)

var prefixes = map[string]bool{"20": true, "50": true}

var statusMap = map[string]synccash.Status{
	"PENDING":    synccash.StatusPending,
	"PROCESSING": synccash.StatusProcessing,
	"SUCCESS":    synccash.StatusConfirmed,
	"SUCCESSFUL": synccash.StatusConfirmed,
	"COMPLETED":  synccash.StatusConfirmed,
	"FAILED":     synccash.StatusFailed,
	"DECLINED":   synccash.StatusFailed,
	"EXPIRED":    synccash.StatusExpired,
	"CANCELLED":  synccash.StatusCancelled,
	"REVERSED":   synccash.StatusRefunded,
}

// MapStatus is total over the operator's status dialect; unknown
// strings stay pending
func MapStatus(raw string) synccash.Status {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return synccash.StatusPending
}

// Adapter talks to the Vodafone Cash merchant gateway
type Adapter struct {
	cfg    providers.Config
	client *http.Client
	tokens *providers.TokenSource
	logger *zap.Logger
	newRef func() string
}

// New creates a Vodafone adapter
func New(cfg providers.Config, logger *zap.Logger) *Adapter {
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

func (a *Adapter) Provider() synccash.Provider { return synccash.ProviderVodafone }

func (a *Adapter) SupportsPhone(phone string) bool {
	return prefixes[synccash.NetworkPrefix(phone)]
}

func (a *Adapter) Limits() synccash.Limits { return a.cfg.EffectiveLimits() }

// Authenticate warms the token cache
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.tokens.Token(ctx)
	return err
}

// fetchToken does the form-encoded client-credentials exchange
func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.cfg.APIKey)
	form.Set("client_secret", a.cfg.APISecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, providers.ClassifyTransport(a.Provider(), err, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, providers.ClassifyHTTP(a.Provider(), resp.StatusCode, "AUTH_FAILED", string(raw), resp.Header)
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

type chargeRequest struct {
	MerchantReference string `json:"merchant_reference"`
	ClientReference   string `json:"client_reference"`
	Msisdn            string `json:"msisdn"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Narration         string `json:"narration,omitempty"`
	CallbackURL       string `json:"callback_url,omitempty"`
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	StatusCode    string `json:"status_code"`
	Message       string `json:"message"`
}

// Initiate pushes a USSD approval prompt to the subscriber. The
// client reference is generated before the call so a timeout still
// leaves something to probe.
func (a *Adapter) Initiate(ctx context.Context, req synccash.ProviderRequest) (*synccash.ProviderResponse, error) {
	referenceID := a.newRef()

	body, err := json.Marshal(chargeRequest{
		MerchantReference: req.Reference,
		ClientReference:   referenceID,
		Msisdn:            strings.TrimPrefix(req.Phone, "+"),
		Amount:            req.Amount.String(),
		Currency:          req.Currency,
		Narration:         req.Description,
		CallbackURL:       a.cfg.CallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := a.authedRequest(ctx, http.MethodPost, "/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, referenceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, a.classifyBody(resp)
	}
	var out chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}
	providerTxID := out.TransactionID
	if providerTxID == "" {
		providerTxID = referenceID
	}
	return &synccash.ProviderResponse{
		ProviderTxID: providerTxID,
		Status:       MapStatus(out.Status),
		RawStatus:    out.Status,
		Message:      out.Message,
	}, nil
}

// Status queries a charge by its gateway transaction id
func (a *Adapter) Status(ctx context.Context, providerTxID string) (*synccash.ProviderResponse, error) {
	httpReq, err := a.authedRequest(ctx, http.MethodGet, "/v1/charges/"+providerTxID, nil)
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
	var out chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &synccash.ProviderResponse{
		ProviderTxID: providerTxID,
		Status:       MapStatus(out.Status),
		RawStatus:    out.Status,
		Message:      out.Message,
	}, nil
}

// Refund reverses a settled charge
func (a *Adapter) Refund(ctx context.Context, req synccash.RefundRequest) (*synccash.ProviderResponse, error) {
	referenceID := a.newRef()

	body, err := json.Marshal(map[string]string{
		"transaction_id":   req.OriginalProviderTxID,
		"client_reference": referenceID,
		"amount":           req.Amount.String(),
		"currency":         req.Currency,
		"reason":           req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refund: %w", err)
	}

	httpReq, err := a.authedRequest(ctx, http.MethodPost, "/v1/reversals", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, referenceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, a.classifyBody(resp)
	}
	var out chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode reversal response: %w", err)
	}
	providerTxID := out.TransactionID
	if providerTxID == "" {
		providerTxID = referenceID
	}
	return &synccash.ProviderResponse{
		ProviderTxID: providerTxID,
		Status:       MapStatus(out.Status),
		RawStatus:    out.Status,
		Message:      out.Message,
	}, nil
}

// VerifyWebhook authenticates a callback via the shared-secret HMAC
func (a *Adapter) VerifyWebhook(payload synccash.WebhookPayload) (*synccash.WebhookEvent, bool) {
	if !providers.VerifyHMAC(a.cfg.WebhookSecret, payload.Body, payload.Headers.Get("X-Vodafone-Signature")) {
		return nil, false
	}
	var body struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Message       string `json:"message"`
	}
	if err := json.Unmarshal(payload.Body, &body); err != nil {
		return nil, false
	}
	if body.TransactionID == "" {
		return nil, false
	}
	return &synccash.WebhookEvent{
		Provider:     synccash.ProviderVodafone,
		ProviderTxID: body.TransactionID,
		Status:       MapStatus(body.Status),
		RawStatus:    body.Status,
		Message:      body.Message,
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
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) classifyBody(resp *http.Response) *synccash.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var body chargeResponse
	_ = json.Unmarshal(raw, &body)
	if body.Message == "" {
		body.Message = string(raw)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.tokens.Invalidate()
	}
	err := providers.ClassifyHTTP(a.Provider(), resp.StatusCode, body.StatusCode, body.Message, resp.Header)
	a.logger.Warn("vodafone request rejected",
		zap.Int("status", resp.StatusCode),
		zap.String("code", body.StatusCode))
	return err
}
