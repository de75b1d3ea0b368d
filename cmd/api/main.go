package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/creditforge/backend/internal/assets"
	"github.com/creditforge/backend/internal/auth"
	"github.com/creditforge/backend/internal/catalog"
	"github.com/creditforge/backend/internal/config"
	"github.com/creditforge/backend/internal/execution"
	"github.com/creditforge/backend/internal/generation"
	"github.com/creditforge/backend/internal/guard"
	"github.com/creditforge/backend/internal/handlers"
	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/ledger"
	"github.com/creditforge/backend/internal/poller"
	"github.com/creditforge/backend/internal/quotaqueue"
	"github.com/creditforge/backend/internal/repository"
	"github.com/creditforge/backend/internal/reservation"
	"github.com/creditforge/backend/internal/router"
)

const (
	shutdownTimeout = 15 * time.Second
	maxAssetBytes   = 200 << 20
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	catalogFile, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	actions, err := catalog.New(catalogFile.Actions)
	if err != nil {
		return err
	}
	providers, webhookSecrets, err := buildProviders(catalogFile)
	if err != nil {
		return err
	}
	slog.Info("Action catalogue loaded", "actions", len(actions.Actions()), "providers", providers.Names())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		return err
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool, logger); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		return err
	}
	slog.Info("River migrations applied")

	// Ledger, reservations and the job registry.
	walletRepo := repository.NewWalletRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	reservationRepo := repository.NewReservationRepo(pool)
	jobRepo := repository.NewJobRepo(pool)

	ledgerSvc := ledger.NewService(pool, walletRepo, ledgerRepo, reservationRepo)
	auditor := ledger.NewAuditor(pool, walletRepo, walletRepo, logger)
	reservations := reservation.NewManager(pool, reservationRepo, ledgerSvc, actions, logger)

	// The submitter is bound to the River client once it exists, since the
	// client's workers need the job service.
	submitter := execution.NewRiverSubmitter(cfg.Dispatch.MaxAttempts)
	jobsSvc := jobs.NewService(pool, jobRepo, reservations, actions, submitter, logger)

	// Completion, dispatch and quota retry.
	store, err := assets.NewFileStore(cfg.AssetDir, cfg.AssetBaseURL)
	if err != nil {
		return err
	}
	fetcher := assets.NewFetcher(time.Minute, maxAssetBytes)
	completions := poller.New(jobsSvc, providers, store, fetcher, poller.Config{
		Interval:             cfg.Poller.Interval,
		MaxConsecutiveErrors: cfg.Poller.MaxConsecutiveErrors,
		Timeout:              cfg.Poller.Timeout,
	}, logger)

	dispatcher := execution.NewDispatcher(jobsSvc, actions, providers, completions, logger)
	quota := quotaqueue.New(jobsSvc, dispatcher, quotaqueue.Config{
		RetryInterval: cfg.Quota.RetryInterval,
		MaxRetries:    cfg.Quota.MaxRetries,
		MaxSize:       cfg.Quota.MaxSize,
	}, logger)
	dispatcher.Quota = quota

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewDispatchWorker(dispatcher, logger))
	river.AddWorker(workers, execution.NewReconcileWorker(jobsSvc, cfg.Reconcile.Grace, logger))
	river.AddWorker(workers, execution.NewDriftAuditWorker(auditor, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Dispatch.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			execution.PeriodicReconcile(cfg.Reconcile.Interval),
			execution.PeriodicDriftAudit(cfg.Audit.Interval),
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		return err
	}
	submitter.Bind(riverClient.InsertTx)

	if _, err := completions.Rearm(ctx); err != nil {
		return err
	}
	if _, err := quota.Recover(ctx); err != nil {
		return err
	}

	// Admission control.
	var cache guard.Cache = guard.NewMemoryCache()
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := goredis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "error", err)
			return err
		}
		cache = guard.NewRedisCache(rdb)
		slog.Info("Idempotency cache backed by Redis")
	}
	admission := guard.New(guard.Config{
		Enabled:           cfg.Guard.Enabled,
		MaxConcurrentJobs: cfg.Guard.MaxConcurrentJobs,
		IdempotencyTTL:    cfg.Guard.IdempotencyTTL,
	}, jobsSvc, cache, logger)

	// HTTP.
	tokens := auth.NewService(cfg.JWTSecret, 0)
	gen := generation.NewService(jobsSvc, actions, admission, guard.Fingerprint, completions, logger)
	wallets := generation.NewWallets(ledgerSvc, int64(cfg.SignupCredits))

	api := router.New(router.Handlers{
		Jobs:     &handlers.JobHandler{Jobs: gen, Logger: logger},
		Wallets:  &handlers.WalletHandler{Wallets: wallets, Tokens: tokens, Logger: logger},
		Webhooks: &handlers.WebhookHandler{Jobs: gen, Secrets: webhookSecrets, Logger: logger},
		Admin:    &handlers.AdminHandler{Wallets: wallets, Audit: auditor, Quota: quota, Guard: admission, Logger: logger},
		Assets:   http.FileServer(http.Dir(store.Dir())),
	}, tokens)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(api)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error { return completions.Run(gctx) })
	g.Go(func() error { return quota.Run(gctx) })
	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("Shutdown complete")
	return err
}
