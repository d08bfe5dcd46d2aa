// Package airteltigo implements the AirtelTigo Money adapter.
package airteltigo

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

var prefixes = map[string]bool{"26": true, "27": true, "56": true, "57": true}

// AirtelTigo reports more intermediate states than the other
// operators. Unknown strings stay pending.
var statusMap = map[string]synccash.Status{
	"PENDING":    synccash.StatusPending,
	"PROCESSING": synccash.StatusProcessing,
	"SUCCESS":    synccash.StatusConfirmed,
	"SUCCESSFUL": synccash.StatusConfirmed,
	"COMPLETED":  synccash.StatusConfirmed,
	"FAILED":     synccash.StatusFailed,
	"ERROR":      synccash.StatusFailed,
	"EXPIRED":    synccash.StatusExpired,
	"CANCELLED":  synccash.StatusCancelled,
	"REFUNDED":   synccash.StatusRefunded,
}

// MapStatus is total over the operator's status dialect
func MapStatus(raw string) synccash.Status {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return synccash.StatusPending
}

// Adapter talks to the AirtelTigo Money merchant API
type Adapter struct {
	cfg    providers.Config
	client *http.Client
	tokens *providers.TokenSource
	logger *zap.Logger
	newRef func() string
}

// New creates an AirtelTigo adapter
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

func (a *Adapter) Provider() synccash.Provider { return synccash.ProviderAirtelTigo }

func (a *Adapter) SupportsPhone(phone string) bool {
	return prefixes[synccash.NetworkPrefix(phone)]
}

func (a *Adapter) Limits() synccash.Limits { return a.cfg.EffectiveLimits() }

// Authenticate warms the token cache
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.tokens.Token(ctx)
	return err
}

// fetchToken does the OAuth2 client-credentials exchange
func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     a.cfg.APIKey,
		"client_secret": a.cfg.APISecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL()+"/auth/oauth2/token", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

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

type paymentEnvelope struct {
	Reference  string `json:"reference"`
	Subscriber struct {
		Msisdn  string `json:"msisdn"`
		Country string `json:"country"`
	} `json:"subscriber"`
	Transaction struct {
		ID       string `json:"id"`
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"transaction"`
}

type paymentStatus struct {
	Data struct {
		Transaction struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			AirtelMoneyID string `json:"airtel_money_id"`
			Message       string `json:"message"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
}

// Initiate starts a merchant collection. The transaction id is
// generated client-side so a timed-out call still leaves a reference
// the retry engine can probe.
func (a *Adapter) Initiate(ctx context.Context, req synccash.ProviderRequest) (*synccash.ProviderResponse, error) {
	referenceID := a.newRef()

	var env paymentEnvelope
	env.Reference = req.Reference
	env.Subscriber.Msisdn = strings.TrimPrefix(req.Phone, "+")
	env.Subscriber.Country = "GH"
	env.Transaction.ID = referenceID
	env.Transaction.Amount = req.Amount.String()
	env.Transaction.Currency = req.Currency

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := a.authedRequest(ctx, http.MethodPost, "/merchant/v1/payments/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, referenceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, a.classifyBody(resp)
	}
	var out paymentStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	return &synccash.ProviderResponse{
		ProviderTxID:      referenceID,
		ProviderReference: out.Data.Transaction.AirtelMoneyID,
		Status:            MapStatus(out.Data.Transaction.Status),
		RawStatus:         out.Data.Transaction.Status,
		Message:           out.Status.Message,
	}, nil
}

// Status queries a payment by the client-generated transaction id
func (a *Adapter) Status(ctx context.Context, providerTxID string) (*synccash.ProviderResponse, error) {
	httpReq, err := a.authedRequest(ctx, http.MethodGet, "/standard/v1/payments/"+providerTxID, nil)
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
	var out paymentStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &synccash.ProviderResponse{
		ProviderTxID:      providerTxID,
		ProviderReference: out.Data.Transaction.AirtelMoneyID,
		Status:            MapStatus(out.Data.Transaction.Status),
		RawStatus:         out.Data.Transaction.Status,
		Message:           out.Data.Transaction.Message,
	}, nil
}

// Refund reverses a collection by its operator-side id
func (a *Adapter) Refund(ctx context.Context, req synccash.RefundRequest) (*synccash.ProviderResponse, error) {
	referenceID := a.newRef()

	body, err := json.Marshal(map[string]any{
		"transaction": map[string]string{
			"id":              referenceID,
			"airtel_money_id": req.OriginalProviderTxID,
			"amount":          req.Amount.String(),
			"currency":        req.Currency,
		},
		"reference": req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refund: %w", err)
	}

	httpReq, err := a.authedRequest(ctx, http.MethodPost, "/standard/v1/payments/refund", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(a.Provider(), err, referenceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, a.classifyBody(resp)
	}
	var out paymentStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}
	status := MapStatus(out.Data.Transaction.Status)
	if out.Data.Transaction.Status == "" {
		status = synccash.StatusPending
	}
	return &synccash.ProviderResponse{
		ProviderTxID:      referenceID,
		ProviderReference: out.Data.Transaction.AirtelMoneyID,
		Status:            status,
		RawStatus:         out.Data.Transaction.Status,
		Message:           out.Status.Message,
	}, nil
}

// VerifyWebhook authenticates a callback via the shared-secret HMAC
func (a *Adapter) VerifyWebhook(payload synccash.WebhookPayload) (*synccash.WebhookEvent, bool) {
	if !providers.VerifyHMAC(a.cfg.WebhookSecret, payload.Body, payload.Headers.Get("X-Auth-Signature")) {
		return nil, false
	}
	var body struct {
		Transaction struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			AirtelMoneyID string `json:"airtel_money_id"`
			Message       string `json:"message"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(payload.Body, &body); err != nil {
		return nil, false
	}
	if body.Transaction.ID == "" {
		return nil, false
	}
	return &synccash.WebhookEvent{
		Provider:     synccash.ProviderAirtelTigo,
		ProviderTxID: body.Transaction.ID,
		Status:       MapStatus(body.Transaction.Status),
		RawStatus:    body.Transaction.Status,
		Reference:    body.Transaction.AirtelMoneyID,
		Message:      body.Transaction.Message,
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
	req.Header.Set("X-Country", "GH")
	req.Header.Set("X-Currency", "GHS")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adapter) classifyBody(resp *http.Response) *synccash.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var body paymentStatus
	_ = json.Unmarshal(raw, &body)
	message := body.Status.Message
	if message == "" {
		message = string(raw)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.tokens.Invalidate()
	}
	err := providers.ClassifyHTTP(a.Provider(), resp.StatusCode, body.Status.Code, message, resp.Header)
	a.logger.Warn("airteltigo request rejected",
		zap.Int("status", resp.StatusCode),
		zap.String("code", body.Status.Code))
	return err
}
