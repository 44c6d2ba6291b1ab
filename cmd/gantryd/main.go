// Package main is the entry point for the gantry workflow engine daemon.
// It wires all dependencies together and starts the operational HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/action"
	"github.com/loomworks/gantry/internal/config"
	"github.com/loomworks/gantry/internal/definition"
	"github.com/loomworks/gantry/internal/engine"
	"github.com/loomworks/gantry/internal/expr"
	"github.com/loomworks/gantry/internal/observability"
	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/internal/task"
	"github.com/loomworks/gantry/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Load definitions, validate, build the registry.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories, cfg.Definitions.Tenant)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	invalid := 0
	for _, def := range defs {
		for _, ve := range validator.Validate(def) {
			logger.Error("definition validation error",
				zap.String("definition_id", def.ID),
				zap.String("source_file", def.SourceFile),
				zap.String("error", ve.Error()),
			)
			invalid++
		}
	}
	if invalid > 0 {
		logger.Error("definition validation failed", zap.Int("errors", invalid))
		return 1
	}

	registry := definition.NewRegistry(defs)

	// Initialize the workflow store.
	wfStore, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Seed loaded definitions. A version that is already stored is fine; the
	// store keeps definitions immutable and the conflict just means the file
	// has not changed since the last start.
	for _, def := range defs {
		if err := wfStore.SaveDefinition(ctx, def); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				continue
			}
			logger.Error("definition seeding failed",
				zap.String("definition_id", def.ID),
				zap.Error(err),
			)
			if storeCloser != nil {
				storeCloser()
			}
			return 1
		}
	}

	// Build the expression evaluator and action executors.
	evaluator := expr.NewEvaluator(logger)

	actions := action.NewRegistry()
	actions.Register(action.NewNotificationExecutor(logger, evaluator, cfg.Actions.Notification))
	actions.Register(action.NewWebhookExecutor(logger, evaluator, cfg.Actions.Webhook))
	actions.Register(action.NewScriptExecutor(logger, evaluator))

	eng := engine.New(engine.Options{
		Store:            wfStore,
		Evaluator:        evaluator,
		Actions:          actions,
		Logger:           logger,
		Metrics:          metrics,
		MaxDispatchDepth: cfg.Engine.MaxDispatchDepth,
	})
	taskManager := task.NewManager(wfStore, eng, logger, metrics)

	// Operational HTTP endpoints: health, readiness, metrics, plus read-only
	// introspection of loaded definitions and running instances. The business
	// API surface is served by the embedding application, not this daemon.
	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllWorkflows()) > 0 },
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readinessChecks.Store = hc
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", observability.HandleHealth())
	router.Get("/readyz", observability.HandleReady(readinessChecks))
	if cfg.Observability.Metrics.Enabled {
		router.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler())
	}
	router.Get("/workflows", handleListWorkflows(registry))
	router.Get("/instances", handleListInstances(taskManager, cfg.Definitions.Tenant))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Sweeper.Enabled {
		sweeper := engine.NewSweeper(wfStore, logger, metrics, cfg.Sweeper.Interval)
		go sweeper.Run(bgCtx)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}

	logger.Info("shutdown complete")
	return 0
}

// handleListWorkflows serves the loaded workflow definitions as JSON.
func handleListWorkflows(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"checksum":  registry.Checksum(),
			"workflows": registry.AllWorkflows(),
		})
	}
}

// handleListInstances serves a summary of recent instances for the configured
// tenant.
func handleListInstances(mgr *task.Manager, tenant string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContext{TenantID: tenant, SubjectID: "ops"}
		items, total, err := mgr.GetInstances(r.Context(), rctx, store.InstanceFilters{
			Status: r.URL.Query().Get("status"),
			Limit:  100,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"total": total, "instances": items})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// buildStore creates the workflow store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return store.NewMemoryStore(), nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.Postgres.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Postgres.MinIdleConns)
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil

	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.Redis.AddrEnv)
		}

		rs, err := store.NewRedisStore(store.RedisOptions{
			Addr:         addr,
			Password:     os.Getenv(cfg.Redis.PasswordEnv),
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}
