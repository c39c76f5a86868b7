package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civicworks/engage/internal/audit"
	"github.com/civicworks/engage/internal/auth"
	"github.com/civicworks/engage/internal/engagement"
	"github.com/civicworks/engage/internal/payroll"
	"github.com/civicworks/engage/internal/platform/config"
	"github.com/civicworks/engage/internal/platform/database"
	"github.com/civicworks/engage/internal/platform/dedup"
	"github.com/civicworks/engage/internal/platform/server"
	"github.com/civicworks/engage/internal/platform/telemetry"
	"github.com/civicworks/engage/internal/rbac"
	"github.com/civicworks/engage/internal/signature"
)

const poolStatsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("engage starting",
		"version", "0.1.0",
		"port", cfg.Server.Port,
		"verification_enabled", cfg.Verification.Enabled(),
	)

	ctx := context.Background()

	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	slog.Info("connecting to database")
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
	version, err := database.RunMigrations(cfg.Database.URL, migrationsURL)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete", "schema_version", version)

	tokenSvc := auth.NewTokenService(
		cfg.Auth.JWT.SigningKey,
		cfg.Auth.JWT.Issuer,
		cfg.Auth.JWT.ExpiryHours,
	)

	rbacEngine := rbac.NewDefaultEvaluator()

	// Audit
	auditStore := audit.NewStore()
	auditLogger := audit.NewAsyncLogger(pool, auditStore, audit.LoggerConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: time.Duration(cfg.Audit.FlushInterval) * time.Millisecond,
	})
	defer auditLogger.Close()
	slog.Info("audit logger started")

	// Webhook dedup
	dedupStore, err := dedup.New(cfg.Dedup)
	if err != nil {
		return fmt.Errorf("creating dedup store: %w", err)
	}
	defer dedupStore.Close()

	publisher := buildPublisher(cfg.Events, logger)
	defer publisher.Close()

	gateway, codec := buildVerification(cfg.Verification, logger)
	if gateway == nil {
		slog.Warn("employment verification not configured; verification endpoints return 503")
	}

	svc := engagement.NewService(
		engagement.NewPostgresRepository(pool),
		gateway,
		codec,
		engagement.WithAuditLogger(auditLogger),
		engagement.WithPublisher(publisher),
		engagement.WithDedup(dedupStore),
		engagement.WithProvider(cfg.Verification.Provider),
		engagement.WithLanguage(cfg.Verification.Language),
		engagement.WithStrictCorrelation(cfg.Verification.StrictCorrelation),
		engagement.WithLogger(logger),
	)

	var devIdentity *auth.Identity
	if cfg.Auth.DevMode {
		if cfg.Auth.DevTenantID == "" {
			return fmt.Errorf("auth.dev_tenant_id is required in dev mode")
		}
		slog.Warn("running in dev mode; authentication bypassed with 'Bearer dev'")
		devIdentity = &auth.Identity{
			UserID:   "00000000-0000-0000-0000-000000000001",
			TenantID: cfg.Auth.DevTenantID,
			Roles:    []string{"org_admin"},
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		Pool:               pool,
		Auth:               tokenSvc,
		RBAC:               rbacEngine,
		EngagementHandler:  engagement.NewHandler(svc, logger),
		AuditHandler:       audit.NewHandler(pool, auditStore),
		RBACAuditLogger:    auditLogger,
		DevMode:            cfg.Auth.DevMode,
		DevIdentity:        devIdentity,
		MetricsEnabled:     cfg.Metrics.Enabled,
		Logger:             logger,
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return telemetry.ReportPoolStats(gctx, pool, poolStatsInterval) })
	}

	slog.Info("server ready", "addr", addr, "dev_mode", cfg.Auth.DevMode)
	return g.Wait()
}

// buildVerification returns the provider gateway and webhook codec, or two
// nils when the integration is not fully configured.
func buildVerification(cfg config.VerificationConfig, logger *slog.Logger) (engagement.Gateway, *signature.Codec) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := payroll.NewClient(payroll.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.RequestTimeout(),
		Breaker: payroll.BreakerSettings{
			MaxRequests:  uint32(max(cfg.Breaker.MaxRequests, 0)), // #nosec G115 -- clamped non-negative
			Interval:     time.Duration(cfg.Breaker.IntervalSecs) * time.Second,
			Timeout:      time.Duration(cfg.Breaker.TimeoutSecs) * time.Second,
			FailureRatio: cfg.Breaker.FailureRatio,
		},
		Logger: logger,
	})
	return client, signature.NewCodec(cfg.HMACSecret, cfg.MaxAge())
}

func buildPublisher(cfg config.EventsConfig, logger *slog.Logger) engagement.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return engagement.NopPublisher{}
	}
	slog.Info("publishing verification events", "brokers", cfg.KafkaBrokers, "topic", cfg.Topic)
	return engagement.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic, logger)
}
