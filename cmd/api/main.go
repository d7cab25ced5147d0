package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/shiftstack-work/payments-backend/internal/auth"
	"github.com/shiftstack-work/payments-backend/internal/config"
	"github.com/shiftstack-work/payments-backend/internal/credit"
	"github.com/shiftstack-work/payments-backend/internal/disputes"
	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/handlers"
	"github.com/shiftstack-work/payments-backend/internal/ledger"
	"github.com/shiftstack-work/payments-backend/internal/settlement"
	"github.com/shiftstack-work/payments-backend/internal/webhook"
	"github.com/shiftstack-work/payments-backend/pkg/providerclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("Configuration load failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// Application schema. Every statement is IF NOT EXISTS, so reapplying on
	// each boot is safe.
	schemaSQL, err := os.ReadFile("db/schema.sql")
	if err != nil {
		slog.Error("Unable to read db/schema.sql", "error", err)
		os.Exit(1)
	}
	if _, err := pool.Exec(ctx, string(schemaSQL)); err != nil {
		slog.Error("Schema apply failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	provider := providerclient.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Disputes gate + escrow manager. The gate is read by escrow at release;
	// the dispute service drives escrow's dispute transitions.
	disputeRepo := disputes.NewRepository(pool)
	gate := disputes.NewGate(disputeRepo)

	escrowRepo := escrow.NewRepository(pool)
	escrowSvc := escrow.NewService(escrowRepo, ledgerSvc, gate, provider, cfg.CommissionBps, logger)
	disputeSvc := disputes.NewService(disputeRepo, escrowSvc, logger)

	// Business credit
	creditRepo := credit.NewRepository(pool)
	creditSvc := credit.NewService(creditRepo, logger)

	// Settlement
	batchRepo := settlement.NewRepository(pool)
	completions := settlement.NewShiftCompletions(pool)
	processor := settlement.NewProcessor(batchRepo, escrowSvc, creditSvc, ledgerRepo, provider, completions, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, settlement.NewDailySettlementWorker(processor))
	river.AddWorker(workers, settlement.NewWeeklyPayoutWorker(processor))
	river.AddWorker(workers, settlement.NewMonthlyReconciliationWorker(processor))
	river.AddWorker(workers, settlement.NewExpireEscrowsWorker(processor))
	river.AddWorker(workers, settlement.NewReconcileRefundsWorker(processor))

	riverCfg := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	}
	if cfg.RunPeriodicJobs {
		riverCfg.PeriodicJobs = settlement.PeriodicJobs()
	}
	riverClient, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	// Webhook intake
	validator, err := webhook.NewValidator(cfg.SchemaDir)
	if err != nil {
		slog.Error("Webhook schema validator init failed", "schema_dir", cfg.SchemaDir, "error", err)
		os.Exit(1)
	}
	guard := webhook.NewGuard(webhook.NewRepository(pool), logger)
	webhookHandler := &webhook.Handler{
		Guard:     guard,
		Escrow:    escrowSvc,
		Validator: validator,
		Secret:    cfg.WebhookSecret,
		Logger:    logger,
	}

	escrowHandler := &handlers.EscrowHandler{Escrow: escrowSvc, Completions: completions, Logger: logger}
	ledgerHandler := &handlers.LedgerHandler{Ledger: ledgerSvc, Logger: logger}
	creditHandler := &handlers.CreditHandler{Credit: creditSvc, Logger: logger}
	opsHandler := &handlers.OpsHandler{
		Disputes:  disputeSvc,
		Processor: processor,
		Batches:   batchRepo,
		Logger:    logger,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, authHandler, authSvc, authRepo, escrowHandler, ledgerHandler, creditHandler, opsHandler, webhookHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Signature"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (runs settlement jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
