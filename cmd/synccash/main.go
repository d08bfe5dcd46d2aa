// Command synccash runs the mobile-money payment orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	synccash "github.com/synccash/orchestrator"
	"github.com/synccash/orchestrator/breaker"
	"github.com/synccash/orchestrator/config"
	"github.com/synccash/orchestrator/fraud"
	"github.com/synccash/orchestrator/httpapi"
	"github.com/synccash/orchestrator/providers"
	"github.com/synccash/orchestrator/providers/airteltigo"
	"github.com/synccash/orchestrator/providers/mtn"
	"github.com/synccash/orchestrator/providers/vodafone"
	"github.com/synccash/orchestrator/ratelimit"
	"github.com/synccash/orchestrator/store"
)

// Stock operator endpoints; overridable per provider in config.
var defaultBaseURLs = map[string]struct{ base, sandbox string }{
	"mtn":        {"https://proxy.momoapi.mtn.com", "https://sandbox.momodeveloper.mtn.com"},
	"airteltigo": {"https://openapi.airtel.africa", "https://openapiuat.airtel.africa"},
	"vodafone":   {"https://api.vodafone.com.gh", "https://uat.api.vodafone.com.gh"},
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "synccash",
		Short:         "Mobile-money payment orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		storePath  string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the payments API, webhook reconciler and expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := &config.Overrides{}
			if cmd.Flags().Changed("listen") {
				overrides.Listen = &listen
			}
			if cmd.Flags().Changed("store") {
				overrides.StorePath = &storePath
			}
			if cmd.Flags().Changed("log-level") {
				overrides.LogLevel = &logLevel
			}
			cfg, err := config.Load(config.Options{Path: configPath, Overrides: overrides})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "synccash.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&storePath, "store", "", "sqlite database path (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	return cmd
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func buildAdapter(pc config.ProviderConfig, logger *zap.Logger) (synccash.ProviderAdapter, error) {
	limits, err := pc.Limits.Limits()
	if err != nil {
		return nil, fmt.Errorf("provider %s limits: %w", pc.Tag, err)
	}
	sandboxLimits, err := pc.SandboxLimits.Limits()
	if err != nil {
		return nil, fmt.Errorf("provider %s sandbox limits: %w", pc.Tag, err)
	}

	urls := defaultBaseURLs[pc.Tag]
	base := pc.BaseURL
	if base == "" {
		base = urls.base
	}
	sandboxBase := pc.SandboxBaseURL
	if sandboxBase == "" {
		sandboxBase = urls.sandbox
	}

	shared := providers.Config{
		BaseURL:        base,
		SandboxBaseURL: sandboxBase,
		Sandbox:        pc.Sandbox,
		APIKey:         pc.APIKey,
		APISecret:      pc.APISecret,
		WebhookSecret:  pc.WebhookSecret,
		CallbackURL:    pc.CallbackURL,
		Timeout:        time.Duration(pc.TimeoutSeconds) * time.Second,
		Limits:         limits,
		SandboxLimits:  sandboxLimits,
	}

	switch pc.Tag {
	case "mtn":
		return mtn.New(mtn.Config{Config: shared, SubscriptionKey: pc.SubscriptionKey}, logger.Named("mtn")), nil
	case "airteltigo":
		return airteltigo.New(shared, logger.Named("airteltigo")), nil
	case "vodafone":
		return vodafone.New(shared, logger.Named("vodafone")), nil
	}
	return nil, fmt.Errorf("provider %s: no adapter", pc.Tag)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(cfg.Store.Path, uuid.NewString)
	if err != nil {
		return err
	}
	defer st.Close()

	idem := store.NewIdempotencyStore(st,
		time.Duration(cfg.Idempotency.TTLSeconds)*time.Second,
		time.Duration(cfg.Idempotency.ProcessingTimeoutSeconds)*time.Second,
	)

	limiter := httpapi.Limiter{Limiter: ratelimit.New(cfg.RateLimitConfigs())}
	breakers := breaker.NewManager(breaker.DefaultConfig(), cfg.BreakerConfigs())

	// Providers are ordered by configured priority; the selector keeps
	// this order for equally eligible providers.
	ordered := append([]config.ProviderConfig(nil), cfg.Providers...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority < ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	adapters := make([]synccash.ProviderAdapter, 0, len(ordered))
	for _, pc := range ordered {
		a, err := buildAdapter(pc, logger)
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}

	var scorer synccash.FraudScorer = fraud.Disabled()
	if cfg.Fraud.URL != "" {
		scorer = fraud.NewHTTPScorer(cfg.Fraud.URL, cfg.Fraud.APIKey,
			time.Duration(cfg.Fraud.TimeoutSeconds)*time.Second, logger.Named("fraud"))
	}

	tc, err := cfg.TransactionConfig()
	if err != nil {
		return err
	}
	policy := synccash.DefaultFraudPolicy()
	if cfg.Fraud.BlockLevel != "" {
		policy.BlockLevel = cfg.Fraud.BlockLevel
	}
	if cfg.Fraud.VerifyLevel != "" {
		policy.VerifyLevel = cfg.Fraud.VerifyLevel
	}

	selector := synccash.NewSelector(adapters, breakers)
	dispatcher := synccash.NewDispatcher(breakers, cfg.RetryPolicies(), synccash.DefaultRetryPolicy(), logger)
	orch := synccash.NewOrchestrator(st, idem, limiter, scorer, selector, dispatcher, adapters, tc, policy, logger)
	reconciler := synccash.NewReconciler(adapters, st, logger)
	sweeper := synccash.NewSweeper(st, idem.Sweep,
		time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second, cfg.Sweeper.BatchSize, logger)

	api := httpapi.New(orch, reconciler, breakers, limiter, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Warm provider tokens so the first payment does not pay the
	// authentication round trip. Failures are not fatal here.
	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	for _, a := range adapters {
		if err := a.Authenticate(warmCtx); err != nil {
			logger.Warn("provider warm-up failed",
				zap.String("provider", string(a.Provider())), zap.Error(err))
		}
	}
	cancel()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		shutdown(srv, logger)
		return err
	}

	logger.Info("shutting down")
	shutdown(srv, logger)
	return nil
}

func shutdown(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
