/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the promotions and referral rewards server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load .env and YAML config
  2. Configure structured logging (stdout + optional rotating file)
  3. Initialize SQLite store, seed the policy on first start
  4. Create engine, API handler and router
  5. Start the referral expiry scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config        YAML config file (optional)
  -env-file      .env file (default: .env, ignored when missing)
  -listen        Listen address, overrides config
  -db            SQLite database path, overrides config
                 Use ":memory:" for in-memory database
  -apply-policy  Store the config's policy block as a new version

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection and log file

EXAMPLES:
  ./server -config=./config.yaml
  ./server -db=":memory:" -listen=":3000"

SEE ALSO:
  - config/config.go: Configuration and environment overrides
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/incentive-engine/api"
	"github.com/warp/incentive-engine/config"
	"github.com/warp/incentive-engine/incentive"
	"github.com/warp/incentive-engine/observability"
	"github.com/warp/incentive-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "incentive server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	applyPolicy := flag.Bool("apply-policy", false, "store the config policy block as a new policy version")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger, logCloser, err := observability.Setup("incentive-engine", cfg.Environment, observability.LogOptions{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Initialize store
	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if err := seedPolicy(context.Background(), store, cfg, *applyPolicy, logger); err != nil {
		return err
	}

	engine := incentive.NewEngine(store, store, incentive.Options{
		Logger:  logger,
		Metrics: observability.Incentives(),
	})

	// Initialize handler and router
	handler := api.NewHandler(engine, store, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Scenarios:   !cfg.IsProduction(),
		AdminToken:  cfg.AdminToken,
	})

	scheduler := api.NewExpiryScheduler(engine, logger)
	scheduler.CheckInterval = cfg.ExpirySweep.Duration
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddress, "database", cfg.DatabasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// seedPolicy stores the configured policy when the database has none, or
// always when force is set.
func seedPolicy(ctx context.Context, store *sqlite.Store, cfg config.Config, force bool, logger *slog.Logger) error {
	if !force {
		_, err := store.Current(ctx)
		if err == nil {
			return nil
		}
		if !incentive.IsNotFound(err) {
			return fmt.Errorf("load policy: %w", err)
		}
	}

	p, err := cfg.PolicyConfig()
	if err != nil {
		return err
	}
	version, err := store.SavePolicy(ctx, p)
	if err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	logger.Info("policy stored", "version", version, "forced", force)
	return nil
}
