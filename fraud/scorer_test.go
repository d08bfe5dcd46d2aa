package fraud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	synccash "github.com/synccash/orchestrator"
)

func sampleTx() *synccash.Transaction {
	return &synccash.Transaction{
		ID:             "T1",
		UserID:         "u1",
		Type:           synccash.TypePayment,
		Amount:         synccash.MustAmount("150.00"),
		Currency:       "GHS",
		RecipientPhone: "+233241234567",
		CreatedAt:      time.Now(),
	}
}

func TestHTTPScorerParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/score" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Error("api key not sent")
		}
		var f map[string]any
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			t.Fatal(err)
		}
		if f["amount"] != "150.00" {
			t.Errorf("amount feature = %v", f["amount"])
		}
		json.NewEncoder(w).Encode(synccash.FraudScore{
			RiskScore: 0.82, RiskLevel: "high", IsFraud: true, Confidence: 0.9,
			Reasons: []string{"velocity"},
		})
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "secret", time.Second, zap.NewNop())
	score := s.Score(context.Background(), sampleTx())
	if !score.IsFraud || score.RiskLevel != "high" {
		t.Errorf("score = %+v", score)
	}
}

func TestHTTPScorerFailsOpenOnOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	s := NewHTTPScorer(srv.URL, "", time.Second, zap.NewNop())
	score := s.Score(context.Background(), sampleTx())
	if score.IsFraud {
		t.Error("outage produced a fraud verdict")
	}
	if score.RiskLevel != "low" {
		t.Errorf("risk level = %s, want fail-open low", score.RiskLevel)
	}
}

func TestHTTPScorerFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "", time.Second, zap.NewNop())
	if score := s.Score(context.Background(), sampleTx()); score.IsFraud {
		t.Error("server error produced a fraud verdict")
	}
}

func TestDisabledScorer(t *testing.T) {
	if score := Disabled().Score(context.Background(), sampleTx()); score.IsFraud || score.RiskLevel != "low" {
		t.Errorf("score = %+v", score)
	}
}
