package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-books/internal/app"
	"github.com/odyssey-erp/odyssey-books/internal/bankreview"
	"github.com/odyssey-erp/odyssey-books/internal/observability"
	"github.com/odyssey-erp/odyssey-books/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-books/internal/platform/db"
	"github.com/odyssey-erp/odyssey-books/internal/posting"
	"github.com/odyssey-erp/odyssey-books/internal/reconcile"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
	"github.com/odyssey-erp/odyssey-books/jobs"
	"github.com/odyssey-erp/odyssey-books/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN, migrations.FS, logger); err != nil {
			logger.Error("migrate database", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: time.Hour})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	chart := accounts.NewChart(accounts.NewRepository(dbpool), redisClient, cfg.AccountCacheTTL, logger)
	accountsService := accounts.NewService(chart)

	accountingRepo := accounting.NewRepository(dbpool)
	accountingService := accounting.NewService(accountingRepo, auditLogger, logger)

	postingService := posting.NewService(
		accountingService,
		accountsService,
		posting.NewStockRepository(dbpool),
		idempotencyStore,
		metrics,
		logger,
	)

	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, cfg.AutoMatchMaxRetry)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	reviewDeps := bankreview.Deps{
		Queue:    jobClient,
		History:  approvalRecorder,
		Observer: metrics,
	}
	if cfg.SuggestionsEnabled() {
		suggester, err := bankreview.NewGeminiSuggester(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.SuggestRatePerMin)
		if err != nil {
			logger.Warn("account suggestions disabled", slog.Any("error", err))
		} else {
			reviewDeps.Suggester = suggester
		}
	}
	reviewService := bankreview.NewService(
		bankreview.NewRepository(dbpool),
		accountsService,
		bankreview.NewSQLMatcher(dbpool),
		reviewDeps,
		logger,
	)

	allowlist := reconcile.NewAllowlist(cfg.SchemaExtensionTables)
	schemaStore := reconcile.NewPGSchemaStore(dbpool)
	changeStore := reconcile.NewPGChangeStore(dbpool)
	var extender reconcile.Extender
	if cfg.SchemaExtensionMode == app.SchemaModeDirect {
		extender = reconcile.NewDirectExtender(schemaStore, allowlist, logger)
	} else {
		extender = reconcile.NewQueueExtender(changeStore, schemaStore, allowlist)
	}
	reconcileService := reconcile.NewService(reconcile.NewRepository(dbpool), reconcile.Options{
		Extender: extender,
		Audit:    auditLogger,
		Observer: metrics,
	}, logger)
	changeService := reconcile.NewChangeService(changeStore, schemaStore, allowlist, jobClient, approvalRecorder, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Pool:                dbpool,
		Metrics:             metrics,
		LedgerHandler:       accounting.NewHandler(logger, accountingService),
		PostingHandler:      posting.NewHandler(logger, postingService),
		AccountsHandler:     accounts.NewHandler(logger, accountsService),
		BankReviewHandler:   bankreview.NewHandler(logger, reviewService),
		ReconcileHandler:    reconcile.NewHandler(logger, reconcileService),
		SchemaChangeHandler: reconcile.NewChangeHandler(logger, changeService),
		JobHandler:          jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
