package config

import (
	"fmt"

	synccash "github.com/synccash/orchestrator"
)

var validAlgorithms = map[string]bool{
	"":               true, // defaults to token_bucket
	"token_bucket":   true,
	"sliding_window": true,
}

var validRiskLevels = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate checks the loaded config and names the offending field in
// every error
func Validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	tc, err := cfg.TransactionConfig()
	if err != nil {
		return err
	}
	if tc.MinAmount <= 0 {
		return fmt.Errorf("transaction.min_amount must be positive")
	}
	if tc.MaxAmount < tc.MinAmount {
		return fmt.Errorf("transaction.max_amount must be >= transaction.min_amount")
	}
	if cfg.Transaction.TimeoutSeconds <= 0 {
		return fmt.Errorf("transaction.timeout_seconds must be positive")
	}

	for endpoint, rl := range cfg.RateLimits {
		if rl.RequestsPerWindow <= 0 {
			return fmt.Errorf("rate_limits.%s.requests_per_window must be positive", endpoint)
		}
		if rl.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limits.%s.window_seconds must be positive", endpoint)
		}
		if rl.Burst < 0 {
			return fmt.Errorf("rate_limits.%s.burst must not be negative", endpoint)
		}
		if !validAlgorithms[rl.Algorithm] {
			return fmt.Errorf("rate_limits.%s.algorithm must be token_bucket or sliding_window", endpoint)
		}
	}

	for tag, bc := range cfg.Breakers {
		if !synccash.Provider(tag).Valid() {
			return fmt.Errorf("circuit_breakers.%s: unknown provider tag", tag)
		}
		if bc.SlowCallRateThreshold < 0 || bc.SlowCallRateThreshold > 1 {
			return fmt.Errorf("circuit_breakers.%s.slow_call_rate_threshold must be in [0,1]", tag)
		}
	}

	for tag, rc := range cfg.Retry {
		if !synccash.Provider(tag).Valid() {
			return fmt.Errorf("retry.%s: unknown provider tag", tag)
		}
		if rc.MaxAttempts < 0 {
			return fmt.Errorf("retry.%s.max_attempts must not be negative", tag)
		}
		if rc.Jitter < 0 || rc.Jitter > 1 {
			return fmt.Errorf("retry.%s.jitter must be in [0,1]", tag)
		}
	}

	if cfg.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("idempotency.ttl_seconds must be positive")
	}
	if cfg.Idempotency.ProcessingTimeoutSeconds <= 0 {
		return fmt.Errorf("idempotency.processing_timeout_seconds must be positive")
	}

	if cfg.Fraud.BlockLevel != "" && !validRiskLevels[cfg.Fraud.BlockLevel] {
		return fmt.Errorf("fraud.block_level must be one of low/medium/high/critical")
	}
	if cfg.Fraud.VerifyLevel != "" && !validRiskLevels[cfg.Fraud.VerifyLevel] {
		return fmt.Errorf("fraud.verify_level must be one of low/medium/high/critical")
	}

	if cfg.Sweeper.IntervalSeconds <= 0 {
		return fmt.Errorf("sweeper.interval_seconds must be positive")
	}
	if cfg.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("sweeper.batch_size must be positive")
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("providers must list at least one provider")
	}
	seen := map[string]bool{}
	for i, p := range cfg.Providers {
		if !synccash.Provider(p.Tag).Valid() {
			return fmt.Errorf("providers[%d].tag %q is not a known provider", i, p.Tag)
		}
		if seen[p.Tag] {
			return fmt.Errorf("providers[%d].tag %q is listed twice", i, p.Tag)
		}
		seen[p.Tag] = true
		if _, err := p.Limits.Limits(); err != nil {
			return fmt.Errorf("providers[%d].limits.%w", i, err)
		}
		if _, err := p.SandboxLimits.Limits(); err != nil {
			return fmt.Errorf("providers[%d].sandbox_limits.%w", i, err)
		}
		if p.TimeoutSeconds < 0 {
			return fmt.Errorf("providers[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}
