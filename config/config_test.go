package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/ratelimit"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synccash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load(Options{SkipDotenv: true})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "GHS", cfg.Transaction.Currency)
	assert.Len(t, cfg.Providers, 3)

	tc, err := cfg.TransactionConfig()
	require.NoError(t, err)
	assert.Equal(t, synccash.MustAmount("1.00"), tc.MinAmount)
	assert.Equal(t, synccash.MustAmount("10000.00"), tc.MaxAmount)
	assert.Equal(t, 300*time.Second, tc.Timeout)
}

func TestYAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  listen: ":9090"
transaction:
  max_amount: "5000.00"
retry:
  vodafone:
    max_attempts: 5
    base_delay: 0.5
circuit_breakers:
  mtn:
    failure_threshold: 7
providers:
  - tag: mtn
    sandbox: false
    api_key: file-key
    limits:
      max: "8000.00"
`)
	cfg, err := Load(Options{Path: path, SkipDotenv: true})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "5000.00", cfg.Transaction.MaxAmount)
	assert.Equal(t, "1.00", cfg.Transaction.MinAmount, "unset fields keep defaults")

	pols := cfg.RetryPolicies()
	assert.Equal(t, 5, pols[synccash.ProviderVodafone].MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, pols[synccash.ProviderVodafone].BaseDelay)
	assert.Equal(t, 2, pols[synccash.ProviderAirtelTigo].MaxAttempts)

	brk := cfg.BreakerConfigs()
	assert.Equal(t, 7, brk["mtn"].FailureThreshold)
	assert.Equal(t, 30*time.Second, brk["mtn"].Timeout, "unset breaker fields keep defaults")

	mtn, ok := cfg.Provider("mtn")
	require.True(t, ok)
	assert.Equal(t, "file-key", mtn.APIKey)
	limits, err := mtn.Limits.Limits()
	require.NoError(t, err)
	assert.Equal(t, synccash.MustAmount("8000.00"), limits.Max)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
providers:
  - tag: mtn
    api_key: file-key
`)
	t.Setenv("SYNCCASH_MTN_API_KEY", "env-key")
	t.Setenv("SYNCCASH_MTN_WEBHOOK_SECRET", "env-secret")
	t.Setenv("SYNCCASH_LISTEN", ":7070")

	cfg, err := Load(Options{Path: path, SkipDotenv: true})
	require.NoError(t, err)

	mtn, _ := cfg.Provider("mtn")
	assert.Equal(t, "env-key", mtn.APIKey)
	assert.Equal(t, "env-secret", mtn.WebhookSecret)
	assert.Equal(t, ":7070", cfg.Server.Listen)
}

func TestOverridesWinOverEnv(t *testing.T) {
	t.Setenv("SYNCCASH_LISTEN", ":7070")
	listen := ":6060"
	sandbox := false

	cfg, err := Load(Options{
		SkipDotenv: true,
		Overrides:  &Overrides{Listen: &listen, Sandbox: &sandbox},
	})
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.Server.Listen)
	for _, p := range cfg.Providers {
		assert.False(t, p.Sandbox, p.Tag)
	}
}

func TestRateLimitConfigs(t *testing.T) {
	cfg := Default()
	limits := cfg.RateLimitConfigs()

	initiate := limits["payments_initiate"]
	assert.Equal(t, ratelimit.SlidingWindow, initiate.Algorithm)
	assert.Equal(t, 10, initiate.RequestsPerWindow)
	assert.Equal(t, 300*time.Second, initiate.BlockDuration)

	status := limits["payments_status"]
	assert.Equal(t, ratelimit.TokenBucket, status.Algorithm)
	assert.Equal(t, 20, status.Burst)

	// an unset algorithm falls back to the limiter's token bucket
	cfg.RateLimits["custom"] = RateLimitConfig{RequestsPerWindow: 5, WindowSeconds: 60}
	assert.Equal(t, ratelimit.TokenBucket, cfg.RateLimitConfigs()["custom"].Algorithm)
}

func TestValidationErrorsNameTheField(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad amount bounds",
			yaml: "transaction:\n  min_amount: \"500.00\"\n  max_amount: \"100.00\"\n",
			want: "transaction.max_amount",
		},
		{
			name: "unknown provider tag",
			yaml: "providers:\n  - tag: orange\n",
			want: "providers[0].tag",
		},
		{
			name: "duplicate provider tag",
			yaml: "providers:\n  - tag: mtn\n  - tag: mtn\n",
			want: "listed twice",
		},
		{
			name: "bad algorithm",
			yaml: "rate_limits:\n  payments_initiate:\n    requests_per_window: 10\n    window_seconds: 60\n    algorithm: leaky_bucket\n",
			want: "rate_limits.payments_initiate.algorithm",
		},
		{
			name: "jitter out of range",
			yaml: "retry:\n  mtn:\n    jitter: 1.5\n",
			want: "retry.mtn.jitter",
		},
		{
			name: "bad risk level",
			yaml: "fraud:\n  block_level: severe\n",
			want: "fraud.block_level",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.yaml)
			_, err := Load(Options{Path: path, SkipDotenv: true})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMalformedYAMLRejected(t *testing.T) {
	path := writeFile(t, "server: [not: a: mapping\n")
	_, err := Load(Options{Path: path, SkipDotenv: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed YAML")
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(Options{Path: filepath.Join(t.TempDir(), "absent.yaml"), SkipDotenv: true})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}
