// ccbridge gateway server: multiplexes completion and agentic-task traffic
// onto a bounded pool of vendor CLI child processes, with a direct Messages
// API path, per-key permissions, and per-project budgets.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ccbridge/ccbridge/pkg/agentic"
	"github.com/ccbridge/ccbridge/pkg/api"
	"github.com/ccbridge/ccbridge/pkg/audit"
	"github.com/ccbridge/ccbridge/pkg/auth"
	"github.com/ccbridge/ccbridge/pkg/budget"
	"github.com/ccbridge/ccbridge/pkg/cache"
	"github.com/ccbridge/ccbridge/pkg/cli"
	"github.com/ccbridge/ccbridge/pkg/config"
	"github.com/ccbridge/ccbridge/pkg/database"
	"github.com/ccbridge/ccbridge/pkg/logctx"
	"github.com/ccbridge/ccbridge/pkg/metrics"
	"github.com/ccbridge/ccbridge/pkg/permission"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/registry"
	"github.com/ccbridge/ccbridge/pkg/upstream"
	"github.com/ccbridge/ccbridge/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	// 1. Configuration. A malformed environment is an operator error, not a
	// runtime failure; exit with a distinct code.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	setupLogging(cfg.LogFormat)

	slog.Info("Starting "+version.Full(),
		"addr", cfg.Addr(),
		"max_workers", cfg.MaxWorkers,
		"queue_depth", cfg.QueueDepth,
		"direct_path", cfg.DirectPathEnabled())

	ctx := context.Background()

	// 2. Persistence.
	dbClient, err := database.NewClient(ctx, cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", cfg.DatabasePath)

	// 3. Cache. Optional; a nil cache disables snapshot caching everywhere.
	kv := cache.New(cfg.RedisAddr, cfg.CacheTTL)
	if kv.Enabled() {
		defer func() { _ = kv.Close() }()
		slog.Info("Cache connected", "addr", cfg.RedisAddr)
	}

	// 4. Domain stores.
	authStore := auth.NewStore(dbClient.DB, kv)
	permStore := permission.NewStore(dbClient.DB, kv)
	ledger := budget.NewLedger(dbClient.DB, cfg.DefaultMonthlyCapUSD)
	auditLog := audit.NewLogger(dbClient.DB)

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		slog.Error("Failed to load capability registry", "path", cfg.RegistryPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Capability registry loaded",
		"agents", len(reg.Agents), "skills", len(reg.Skills))

	// 5. Worker pool over the vendor CLI.
	runner := cli.NewRunner(cfg.CLIPath)
	workerPool := pool.New(runner, pool.Options{
		MaxWorkers:      cfg.MaxWorkers,
		QueueDepth:      cfg.QueueDepth,
		MonitorInterval: cfg.MonitorInterval,
		DefaultTimeout:  cfg.DefaultTimeout,
	})
	workerPool.Start()

	// 6. Direct path. Nil when no provider key is configured; the process
	// endpoint then falls back to the subprocess path.
	up, err := upstream.NewFromConfig(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.DefaultMaxTokens)
	if err != nil {
		slog.Error("Failed to build upstream client", "error", err)
		os.Exit(1)
	}

	executor := agentic.NewExecutor(workerPool, auditLog, reg)
	m, promReg := metrics.New(workerPool)

	// 7. HTTP server.
	server := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        dbClient,
		AuthStore: authStore,
		PermStore: permStore,
		Ledger:    ledger,
		Pool:      workerPool,
		Upstream:  up,
		Executor:  executor,
		Registry:  reg,
		AuditLog:  auditLog,
		Cache:     kv,
		Metrics:   m,
		PromReg:   promReg,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop admitting, close the listener, then drain
	// running children within the configured window.
	server.SetDraining(true)

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer drainCancel()
	if err := workerPool.Drain(drainCtx); err != nil {
		slog.Warn("Drain window elapsed, force-cancelling remaining tasks", "error", err)
	} else {
		slog.Info("Worker pool drained")
	}
	workerPool.Stop()

	slog.Info("Shutdown complete")
}

// setupLogging installs the process-wide slog handler with request-id
// stamping.
func setupLogging(format string) {
	var inner slog.Handler
	if format == "text" {
		inner = slog.NewTextHandler(os.Stdout, nil)
	} else {
		inner = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logctx.NewHandler(inner)))
}
