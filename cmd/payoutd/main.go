package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webitof-developer/Silkpay/internal/beneficiary"
	beneficiaryapi "github.com/webitof-developer/Silkpay/internal/beneficiary/api"
	"github.com/webitof-developer/Silkpay/internal/common/database"
	"github.com/webitof-developer/Silkpay/internal/common/middleware"
	"github.com/webitof-developer/Silkpay/internal/common/nats"
	"github.com/webitof-developer/Silkpay/internal/common/secure"
	"github.com/webitof-developer/Silkpay/internal/dashboard"
	dashboardapi "github.com/webitof-developer/Silkpay/internal/dashboard/api"
	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/ledger"
	ledgerapi "github.com/webitof-developer/Silkpay/internal/ledger/api"
	"github.com/webitof-developer/Silkpay/internal/merchant"
	merchantapi "github.com/webitof-developer/Silkpay/internal/merchant/api"
	"github.com/webitof-developer/Silkpay/internal/payout"
	payoutapi "github.com/webitof-developer/Silkpay/internal/payout/api"
)

// Config holds service configuration
type Config struct {
	Port        int      `envconfig:"PAYOUT_PORT" default:"8080"`
	Environment string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	Database database.Config
	NATS     nats.Config
	Secure   secure.Config
	Gateway  silkpay.Config
	Audit    ledger.AuditConfig
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Database
	if err := database.Migrate(cfg.Database, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Events
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	streamCfg := nats.DefaultStreamConfig("PAYOUT_EVENTS", []string{"events.>"})
	if _, err := natsClient.EnsureStream(ctx, streamCfg); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := nats.NewPublisher(natsClient, logger)

	// Encryption
	cipher, err := secure.NewCipher(cfg.Secure)
	if err != nil {
		logger.Error("failed to initialize cipher", "error", err)
		os.Exit(1)
	}

	// Gateway
	gateway := silkpay.NewClient(cfg.Gateway, logger)

	// Services
	balances := ledger.NewBalances(db, logger)
	transactions := ledger.NewTransactions(db, logger)

	merchantStore := merchant.NewPostgresStore(db)
	merchantService := merchant.NewService(merchantStore, gateway, publisher, logger)

	beneficiaryStore := beneficiary.NewPostgresStore(db, logger)
	beneficiaryService := beneficiary.NewService(beneficiaryStore, cipher, publisher, logger)

	payoutStore := payout.NewPostgresStore(db, logger)
	payoutService := payout.NewService(payoutStore, gateway, beneficiaryService, balances, publisher, logger)

	dashboardService := dashboard.NewService(db, logger)

	// Background consistency auditor
	auditor := ledger.NewAuditor(db, cfg.Audit, logger)
	go auditor.Run(ctx)

	// Handlers
	payoutHandler := payoutapi.NewHandler(payoutService)
	webhookHandler := payoutapi.NewWebhookHandler(payoutService, gateway)
	beneficiaryHandler := beneficiaryapi.NewHandler(beneficiaryService)
	merchantHandler := merchantapi.NewHandler(merchantService)
	transactionHandler := ledgerapi.NewHandler(transactions)
	dashboardHandler := dashboardapi.NewHandler(dashboardService)

	// Router
	r := chi.NewRouter()

	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The gateway authenticates webhooks by payload signature, not API key.
	r.Post("/webhooks/silkpay", webhookHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(merchantService.ValidateAPIKey))

		r.Mount("/payouts", payoutHandler.Routes())
		r.Mount("/beneficiaries", beneficiaryHandler.Routes())
		r.Mount("/merchant", merchantHandler.Routes())
		r.Mount("/transactions", transactionHandler.Routes())
		r.Mount("/dashboard", dashboardHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payout service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
