package airteltigo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/providers"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := New(providers.Config{
		BaseURL:       srv.URL,
		APIKey:        "client-id",
		APISecret:     "client-secret",
		WebhookSecret: "whsec",
		Timeout:       2 * time.Second,
	}, zap.NewNop())
	a.newRef = func() string { return "at-ref-1" }
	return a
}

func tokenHandler(t *testing.T, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client-id", body["client_id"])
		assert.Equal(t, "client_credentials", body["grant_type"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-tok",
			"expires_in":   1800,
		})
	}
}

func paymentBody(status, airtelID string) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"transaction": map[string]any{
				"id":              "at-ref-1",
				"status":          status,
				"airtel_money_id": airtelID,
			},
		},
		"status": map[string]any{"code": "200", "message": "ok"},
	}
}

func TestInitiateReturnsClientReference(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2/token", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("POST /merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-tok", r.Header.Get("Authorization"))
		assert.Equal(t, "GH", r.Header.Get("X-Country"))

		var env paymentEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "at-ref-1", env.Transaction.ID)
		assert.Equal(t, "233271234567", env.Subscriber.Msisdn)
		assert.Equal(t, "75.00", env.Transaction.Amount)

		json.NewEncoder(w).Encode(paymentBody("PROCESSING", ""))
	})
	a := newTestAdapter(t, mux)

	resp, err := a.Initiate(context.Background(), synccash.ProviderRequest{
		TransactionID: "T1",
		Reference:     "TXN_AT",
		Amount:        synccash.MustAmount("75.00"),
		Currency:      "GHS",
		Phone:         "+233271234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "at-ref-1", resp.ProviderTxID)
	assert.Equal(t, synccash.StatusProcessing, resp.Status)
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]synccash.Status{
		"PENDING":    synccash.StatusPending,
		"PROCESSING": synccash.StatusProcessing,
		"SUCCESS":    synccash.StatusConfirmed,
		"COMPLETED":  synccash.StatusConfirmed,
		"ERROR":      synccash.StatusFailed,
		"FAILED":     synccash.StatusFailed,
		"EXPIRED":    synccash.StatusExpired,
		"REFUNDED":   synccash.StatusRefunded,
		"NEW_STATE":  synccash.StatusPending,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapStatus(raw), "raw status %q", raw)
	}
}

func TestStatusProbe(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2/token", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("GET /standard/v1/payments/at-ref-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(paymentBody("SUCCESS", "AM-42"))
	})
	a := newTestAdapter(t, mux)

	resp, err := a.Status(context.Background(), "at-ref-1")
	require.NoError(t, err)
	assert.Equal(t, synccash.StatusConfirmed, resp.Status)
	assert.Equal(t, "AM-42", resp.ProviderReference)
}

func TestInitiateTimeoutIsAmbiguous(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2/token", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("POST /merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	a := newTestAdapter(t, mux)
	a.client.Timeout = 50 * time.Millisecond

	_, err := a.Initiate(context.Background(), synccash.ProviderRequest{
		Reference: "TXN_AT",
		Amount:    synccash.MustAmount("10.00"),
		Currency:  "GHS",
		Phone:     "+233271234567",
	})
	var perr *synccash.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Ambiguous)
	assert.Equal(t, "at-ref-1", perr.ProviderTxID)
}

func TestServerErrorIsTransient(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2/token", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("POST /merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	a := newTestAdapter(t, mux)

	_, err := a.Initiate(context.Background(), synccash.ProviderRequest{
		Reference: "TXN_AT",
		Amount:    synccash.MustAmount("10.00"),
		Currency:  "GHS",
		Phone:     "+233271234567",
	})
	var perr *synccash.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, synccash.KindProviderTransient, perr.Kind)
	assert.False(t, perr.Ambiguous)
}

func TestRejectionIsPermanent(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2/token", tokenHandler(t, &tokenCalls))
	mux.HandleFunc("POST /merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"code": "INSUFFICIENT_FUNDS", "message": "balance too low"},
		})
	})
	a := newTestAdapter(t, mux)

	_, err := a.Initiate(context.Background(), synccash.ProviderRequest{
		Reference: "TXN_AT",
		Amount:    synccash.MustAmount("10.00"),
		Currency:  "GHS",
		Phone:     "+233271234567",
	})
	var perr *synccash.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, synccash.KindProviderPermanent, perr.Kind)
	assert.Equal(t, "INSUFFICIENT_FUNDS", perr.Code)
}

func TestVerifyWebhook(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())

	body := []byte(`{"transaction":{"id":"at-ref-1","status":"SUCCESS","airtel_money_id":"AM-42"}}`)
	headers := http.Header{}
	headers.Set("X-Auth-Signature", providers.SignHMAC("whsec", body))

	ev, ok := a.VerifyWebhook(synccash.WebhookPayload{Body: body, Headers: headers})
	require.True(t, ok)
	assert.Equal(t, synccash.ProviderAirtelTigo, ev.Provider)
	assert.Equal(t, "at-ref-1", ev.ProviderTxID)
	assert.Equal(t, synccash.StatusConfirmed, ev.Status)

	headers.Set("X-Auth-Signature", "bogus")
	if _, ok := a.VerifyWebhook(synccash.WebhookPayload{Body: body, Headers: headers}); ok {
		t.Error("bad signature verified")
	}
}

func TestSupportsPhone(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())

	for _, phone := range []string{"+233261234567", "+233271234567", "+233561234567", "+233571234567"} {
		assert.True(t, a.SupportsPhone(phone), phone)
	}
	assert.False(t, a.SupportsPhone("+233241234567"))
	assert.False(t, a.SupportsPhone("+233501234567"))
}
