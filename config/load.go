package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Options for loading config
type Options struct {
	// Path to an optional YAML file. A missing file is not an error;
	// an unreadable or malformed one is.
	Path string
	// SkipDotenv disables the .env overlay, for tests
	SkipDotenv bool
	// Overrides apply last. Nil means no overrides.
	Overrides *Overrides
}

// Overrides holds CLI flag values that take precedence over
// env/file/defaults. Only non-nil fields are applied.
type Overrides struct {
	Listen    *string
	StorePath *string
	LogLevel  *string
	Sandbox   *bool
}

// Load builds config with precedence: defaults -> YAML -> env ->
// Overrides
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if !opts.SkipDotenv {
		// Explicit env still wins; godotenv never overwrites.
		_ = godotenv.Load(".env.local", ".env")
	}

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("malformed YAML in %s: %w", opts.Path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("cannot read config file %s: %w", opts.Path, err)
		}
	}

	applyEnv(&cfg)

	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the credential and endpoint variables. Provider
// credentials use SYNCCASH_<TAG>_* so secrets stay out of the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNCCASH_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SYNCCASH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNCCASH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCCASH_FRAUD_URL"); v != "" {
		cfg.Fraud.URL = v
	}
	if v := os.Getenv("SYNCCASH_FRAUD_API_KEY"); v != "" {
		cfg.Fraud.APIKey = v
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		prefix := "SYNCCASH_" + strings.ToUpper(p.Tag) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "API_SECRET"); v != "" {
			p.APISecret = v
		}
		if v := os.Getenv(prefix + "SUBSCRIPTION_KEY"); v != "" {
			p.SubscriptionKey = v
		}
		if v := os.Getenv(prefix + "WEBHOOK_SECRET"); v != "" {
			p.WebhookSecret = v
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			p.BaseURL = v
		}
	}
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.Listen != nil {
		cfg.Server.Listen = *o.Listen
	}
	if o.StorePath != nil {
		cfg.Store.Path = *o.StorePath
	}
	if o.LogLevel != nil {
		cfg.Log.Level = *o.LogLevel
	}
	if o.Sandbox != nil {
		for i := range cfg.Providers {
			cfg.Providers[i].Sandbox = *o.Sandbox
		}
	}
}
