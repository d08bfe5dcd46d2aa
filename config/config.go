// Package config loads the orchestrator configuration with the
// precedence defaults -> YAML file -> environment -> overrides.
package config

import (
	"fmt"
	"time"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/breaker"
	"github.com/synccash/orchestrator/ratelimit"
)

// Config is the full configuration surface
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Store       StoreConfig                `yaml:"store"`
	Log         LogConfig                  `yaml:"log"`
	Transaction TransactionConfig          `yaml:"transaction"`
	RateLimits  map[string]RateLimitConfig `yaml:"rate_limits"`
	Breakers    map[string]BreakerConfig   `yaml:"circuit_breakers"`
	Retry       map[string]RetryConfig     `yaml:"retry"`
	Idempotency IdempotencyConfig          `yaml:"idempotency"`
	Fraud       FraudConfig                `yaml:"fraud"`
	Sweeper     SweeperConfig              `yaml:"sweeper"`
	Providers   []ProviderConfig           `yaml:"providers"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type TransactionConfig struct {
	MinAmount      string `yaml:"min_amount"`
	MaxAmount      string `yaml:"max_amount"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Currency       string `yaml:"currency"`
}

type RateLimitConfig struct {
	RequestsPerWindow    int    `yaml:"requests_per_window"`
	WindowSeconds        int    `yaml:"window_seconds"`
	Burst                int    `yaml:"burst"`
	BlockDurationSeconds int    `yaml:"block_duration"`
	Algorithm            string `yaml:"algorithm"`
}

type BreakerConfig struct {
	FailureThreshold         int     `yaml:"failure_threshold"`
	SuccessThreshold         int     `yaml:"success_threshold"`
	TimeoutSeconds           int     `yaml:"timeout_seconds"`
	SlowCallThresholdSeconds int     `yaml:"slow_call_threshold"`
	SlowCallRateThreshold    float64 `yaml:"slow_call_rate_threshold"`
	MinimumCalls             int     `yaml:"minimum_calls"`
}

type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay"`
	MaxDelaySeconds  float64 `yaml:"max_delay"`
	Multiplier       float64 `yaml:"multiplier"`
	Jitter           float64 `yaml:"jitter"`
}

type IdempotencyConfig struct {
	TTLSeconds               int `yaml:"ttl_seconds"`
	ProcessingTimeoutSeconds int `yaml:"processing_timeout_seconds"`
}

type FraudConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BlockLevel     string `yaml:"block_level"`
	VerifyLevel    string `yaml:"verify_level"`
}

type SweeperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
}

type LimitsConfig struct {
	Min   string `yaml:"min"`
	Max   string `yaml:"max"`
	Daily string `yaml:"daily"`
}

type ProviderConfig struct {
	Tag             string       `yaml:"tag"`
	BaseURL         string       `yaml:"base_url"`
	SandboxBaseURL  string       `yaml:"sandbox_base_url"`
	Sandbox         bool         `yaml:"sandbox"`
	APIKey          string       `yaml:"api_key"`
	APISecret       string       `yaml:"api_secret"`
	SubscriptionKey string       `yaml:"subscription_key"`
	WebhookSecret   string       `yaml:"webhook_secret"`
	CallbackURL     string       `yaml:"callback_url"`
	TimeoutSeconds  int          `yaml:"timeout_seconds"`
	Limits          LimitsConfig `yaml:"limits"`
	SandboxLimits   LimitsConfig `yaml:"sandbox_limits"`
	Priority        int          `yaml:"priority"`
}

// Default returns the stock configuration: operator-facing defaults
// for every tunable and all three providers in sandbox mode
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: ":8080"},
		Store:  StoreConfig{Path: "synccash.db"},
		Log:    LogConfig{Level: "info"},
		Transaction: TransactionConfig{
			MinAmount:      "1.00",
			MaxAmount:      "10000.00",
			TimeoutSeconds: 300,
			Currency:       "GHS",
		},
		RateLimits: map[string]RateLimitConfig{
			"payments_initiate": {
				RequestsPerWindow:    10,
				WindowSeconds:        60,
				Burst:                3,
				BlockDurationSeconds: 300,
				Algorithm:            "sliding_window",
			},
			"payments_status": {
				RequestsPerWindow:    100,
				WindowSeconds:        60,
				Burst:                20,
				BlockDurationSeconds: 60,
				Algorithm:            "token_bucket",
			},
			"refund_requests": {
				RequestsPerWindow:    5,
				WindowSeconds:        300,
				Burst:                1,
				BlockDurationSeconds: 600,
				Algorithm:            "sliding_window",
			},
		},
		Breakers: map[string]BreakerConfig{},
		Retry: map[string]RetryConfig{
			"airteltigo": {MaxAttempts: 2},
		},
		Idempotency: IdempotencyConfig{
			TTLSeconds:               86400,
			ProcessingTimeoutSeconds: 300,
		},
		Fraud: FraudConfig{
			TimeoutSeconds: 2,
			BlockLevel:     "critical",
			VerifyLevel:    "high",
		},
		Sweeper: SweeperConfig{
			IntervalSeconds: 30,
			BatchSize:       100,
		},
		Providers: []ProviderConfig{
			{Tag: "mtn", Sandbox: true, Priority: 1},
			{Tag: "airteltigo", Sandbox: true, Priority: 2},
			{Tag: "vodafone", Sandbox: true, Priority: 3},
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TransactionConfig materializes the validated transaction bounds
func (c Config) TransactionConfig() (synccash.TransactionConfig, error) {
	min, err := synccash.ParseAmount(c.Transaction.MinAmount)
	if err != nil {
		return synccash.TransactionConfig{}, fmt.Errorf("transaction.min_amount: %w", err)
	}
	max, err := synccash.ParseAmount(c.Transaction.MaxAmount)
	if err != nil {
		return synccash.TransactionConfig{}, fmt.Errorf("transaction.max_amount: %w", err)
	}
	return synccash.TransactionConfig{
		MinAmount: min,
		MaxAmount: max,
		Timeout:   seconds(c.Transaction.TimeoutSeconds),
		Currency:  c.Transaction.Currency,
	}, nil
}

// RateLimitConfigs maps the endpoint table into limiter configs
func (c Config) RateLimitConfigs() map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(c.RateLimits))
	for endpoint, rl := range c.RateLimits {
		// Unset algorithm means token_bucket, matching the limiter's
		// own default.
		algo := ratelimit.TokenBucket
		if rl.Algorithm == "sliding_window" {
			algo = ratelimit.SlidingWindow
		}
		out[endpoint] = ratelimit.Config{
			Algorithm:         algo,
			RequestsPerWindow: rl.RequestsPerWindow,
			WindowSeconds:     rl.WindowSeconds,
			Burst:             rl.Burst,
			BlockDuration:     seconds(rl.BlockDurationSeconds),
		}
	}
	return out
}

// BreakerConfigs maps the per-provider overrides into breaker configs.
// Providers without an entry use the defaults.
func (c Config) BreakerConfigs() map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(c.Breakers))
	for tag, bc := range c.Breakers {
		cfg := breaker.DefaultConfig()
		if bc.FailureThreshold > 0 {
			cfg.FailureThreshold = bc.FailureThreshold
		}
		if bc.SuccessThreshold > 0 {
			cfg.SuccessThreshold = bc.SuccessThreshold
		}
		if bc.TimeoutSeconds > 0 {
			cfg.Timeout = seconds(bc.TimeoutSeconds)
		}
		if bc.SlowCallThresholdSeconds > 0 {
			cfg.SlowCallThreshold = seconds(bc.SlowCallThresholdSeconds)
		}
		if bc.SlowCallRateThreshold > 0 {
			cfg.SlowCallRate = bc.SlowCallRateThreshold
		}
		if bc.MinimumCalls > 0 {
			cfg.MinimumCalls = bc.MinimumCalls
		}
		out[tag] = cfg
	}
	return out
}

// RetryPolicies maps the per-provider overrides into retry policies
func (c Config) RetryPolicies() map[synccash.Provider]synccash.RetryPolicy {
	out := make(map[synccash.Provider]synccash.RetryPolicy, len(c.Retry))
	for tag, rc := range c.Retry {
		pol := synccash.DefaultRetryPolicy()
		if rc.MaxAttempts > 0 {
			pol.MaxAttempts = rc.MaxAttempts
		}
		if rc.BaseDelaySeconds > 0 {
			pol.BaseDelay = time.Duration(rc.BaseDelaySeconds * float64(time.Second))
		}
		if rc.MaxDelaySeconds > 0 {
			pol.MaxDelay = time.Duration(rc.MaxDelaySeconds * float64(time.Second))
		}
		if rc.Multiplier > 0 {
			pol.Multiplier = rc.Multiplier
		}
		if rc.Jitter > 0 {
			pol.Jitter = rc.Jitter
		}
		out[synccash.Provider(tag)] = pol
	}
	return out
}

// Limits parses a limits block; empty fields keep the zero value so
// the adapter falls back to its environment defaults
func (l LimitsConfig) Limits() (synccash.Limits, error) {
	var out synccash.Limits
	var err error
	if l.Min != "" {
		if out.Min, err = synccash.ParseAmount(l.Min); err != nil {
			return out, fmt.Errorf("min: %w", err)
		}
	}
	if l.Max != "" {
		if out.Max, err = synccash.ParseAmount(l.Max); err != nil {
			return out, fmt.Errorf("max: %w", err)
		}
	}
	if l.Daily != "" {
		if out.Daily, err = synccash.ParseAmount(l.Daily); err != nil {
			return out, fmt.Errorf("daily: %w", err)
		}
	}
	return out, nil
}

// Provider returns the block for a tag, if configured
func (c Config) Provider(tag string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Tag == tag {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
