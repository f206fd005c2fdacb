package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/regflow/internal/api/http"
	"github.com/execution-hub/regflow/internal/application/orchestrator"
	"github.com/execution-hub/regflow/internal/application/poller"
	"github.com/execution-hub/regflow/internal/application/statesync"
	"github.com/execution-hub/regflow/internal/application/validator"
	"github.com/execution-hub/regflow/internal/config"
	"github.com/execution-hub/regflow/internal/domain/kv"
	"github.com/execution-hub/regflow/internal/domain/registration"
	"github.com/execution-hub/regflow/internal/domain/workflow"
	"github.com/execution-hub/regflow/internal/infrastructure/accounts"
	"github.com/execution-hub/regflow/internal/infrastructure/kvstore"
	"github.com/execution-hub/regflow/internal/infrastructure/pageagent"
	"github.com/execution-hub/regflow/internal/infrastructure/postgres"
	"github.com/execution-hub/regflow/internal/infrastructure/sse"
	"github.com/execution-hub/regflow/internal/migrations"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, records, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("store error")
	}
	defer closeStore()

	// infrastructure
	sseHub := sse.NewHub(logger)
	defer sseHub.Stop()
	accountSvc := accounts.NewClient(accounts.Config{
		BaseURL: cfg.Accounts.BaseURL,
		APIKey:  cfg.Accounts.APIKey,
		Timeout: cfg.Accounts.Timeout,
	}, logger)
	agent := pageagent.NewClient(cfg.PageAgent.URL, cfg.PageAgent.Timeout, logger)

	// services
	syncOpts := statesync.DefaultOptions()
	syncOpts.ContextName = cfg.ContextName
	syncOpts.LockTimeout = cfg.Sync.LockTimeout
	syncOpts.Staleness = cfg.Sync.LockStaleness
	syncOpts.HeartbeatInterval = cfg.Sync.HeartbeatInterval
	syncSvc := statesync.NewService(store, syncOpts, logger)
	defer syncSvc.Close()

	validatorSvc := validator.NewValidator(accountSvc, syncSvc, validator.Options{
		Expiry:         cfg.Validation.Expiry,
		Warning:        cfg.Validation.Warning,
		RequestTimeout: cfg.Accounts.Timeout,
	}, logger)

	pollerSvc := poller.New(accountSvc, poller.Options{
		Interval:       cfg.Poll.Interval,
		Jitter:         cfg.Poll.Jitter,
		Deadline:       cfg.Poll.Deadline,
		Cooldown:       cfg.Poll.Cooldown,
		RequestTimeout: cfg.Poll.RequestTimeout,
	}, logger)

	machine := workflow.NewMachine(cfg.MaxRetries, logger)
	orchestratorSvc, err := orchestrator.NewOrchestrator(
		machine,
		syncSvc,
		validatorSvc,
		pollerSvc,
		accountSvc,
		records,
		agent,
		orchestrator.Options{},
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("orchestrator error")
	}
	defer orchestratorSvc.Close()

	// API server
	apiServer := httpapi.NewServer(orchestratorSvc, records, accountSvc, sseHub, cfg.APIKeyHash, logger)
	orchestratorSvc.Subscribe(apiServer.PublishChange)
	syncSvc.OnChange(apiServer.PublishSync)

	if res, err := orchestratorSvc.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to restore workflow")
	} else if res != nil {
		logger.Info().
			Str("recommendation", string(res.Verdict.Recommendation)).
			Str("action", string(res.Outcome.Action)).
			Str("state", string(machine.State())).
			Msg("workflow restored")
	}
	syncSvc.StartHeartbeat(ctx)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /v1/stream holds the connection open
		IdleTimeout: 60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.Store.Backend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sseHub.Stop()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}

// openStore opens the configured shared store and the record repository
// that goes with it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (kv.Store, registration.RecordRepository, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		store, err := kvstore.OpenBoltStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, kvstore.NewRecordCache(store), func() { _ = store.Close() }, nil

	case config.BackendSQLite:
		store, err := kvstore.OpenSQLiteStore(ctx, cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		go store.Run(ctx, cfg.Store.PollInterval)
		return store, kvstore.NewRecordCache(store), func() { _ = store.Close() }, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool, migrations.Files); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		store := postgres.NewKVStore(pool, logger)
		go func() {
			if err := store.Listen(ctx); err != nil {
				logger.Error().Err(err).Msg("store change listener stopped")
			}
		}()
		return store, postgres.NewRecordRepository(pool), pool.Close, nil

	default:
		store := kvstore.NewMemoryStore(logger)
		return store, kvstore.NewRecordCache(store), func() {}, nil
	}
}
