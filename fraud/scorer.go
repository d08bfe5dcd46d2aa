// Package fraud provides the pluggable risk scorer used before any
// money moves. The scorer is opaque: callers see a score and a level,
// decisions are made by configured policy thresholds.
package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	synccash "github.com/synccash/orchestrator"
)

// features is the record shipped to the scoring service
type features struct {
	UserID         string `json:"user_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	RecipientPhone string `json:"recipient_phone"`
	Type           string `json:"transaction_type"`
	CreatedAt      string `json:"created_at"`
}

// failOpenScore is returned whenever the scoring service cannot be
// reached. Payments must not stall on a scorer outage.
func failOpenScore(reason string) synccash.FraudScore {
	return synccash.FraudScore{
		RiskScore:  0,
		RiskLevel:  "low",
		IsFraud:    false,
		Confidence: 0,
		Reasons:    []string{reason},
	}
}

// HTTPScorer calls an external scoring service over HTTP
type HTTPScorer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPScorer creates a scorer client with its own pooled transport
func NewHTTPScorer(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPScorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

var _ synccash.FraudScorer = (*HTTPScorer)(nil)

// Score evaluates one proposed transaction. Outages fail open with a
// low-risk score and a reason, never an error.
func (s *HTTPScorer) Score(ctx context.Context, tx *synccash.Transaction) synccash.FraudScore {
	payload, err := json.Marshal(features{
		UserID:         tx.UserID,
		Amount:         tx.Amount.String(),
		Currency:       tx.Currency,
		RecipientPhone: tx.RecipientPhone,
		Type:           string(tx.Type),
		CreatedAt:      tx.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return failOpenScore("feature encoding failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return failOpenScore("request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("fraud scorer unreachable, failing open", zap.Error(err))
		return failOpenScore("scorer_unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("fraud scorer returned non-200, failing open",
			zap.Int("status", resp.StatusCode))
		return failOpenScore(fmt.Sprintf("scorer_status_%d", resp.StatusCode))
	}

	var score synccash.FraudScore
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		s.logger.Warn("fraud scorer response unreadable, failing open", zap.Error(err))
		return failOpenScore("scorer_response_invalid")
	}
	return score
}

// StaticScorer returns a fixed verdict; used when scoring is disabled
// and in tests
type StaticScorer struct {
	Verdict synccash.FraudScore
}

var _ synccash.FraudScorer = (*StaticScorer)(nil)

// Disabled is a scorer that treats every payment as low risk
func Disabled() *StaticScorer {
	return &StaticScorer{Verdict: failOpenScore("scoring_disabled")}
}

// Score returns the fixed verdict
func (s *StaticScorer) Score(context.Context, *synccash.Transaction) synccash.FraudScore {
	return s.Verdict
}
