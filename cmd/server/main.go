/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, YAML file, COMMISSION_* env, flags)
  2. Build the logger (stdout and/or rotating file)
  3. Open the SQLite store
  4. Pick the settlement lock (Redis when configured, in-process otherwise)
  5. Build the commission service and seed the rule catalog
  6. Start the scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown timeout, 30s default)
  4. Close database, Redis client and log file

EXAMPLES:
  ./server -config=./config.yaml
  ./server -db=":memory:" -port=3000
  COMMISSION_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Configuration sources and precedence
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/lock"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Override(config.Flags{Port: *port, DBPath: *dbPath})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	svc, err := commission.NewService(store, commission.ServiceOptions{Logger: logger, Locker: locker})
	if err != nil {
		return err
	}

	if cfg.Rules.SeedFile != "" {
		if err := seedCatalog(context.Background(), svc, cfg.Rules.SeedFile, logger); err != nil {
			return err
		}
	}

	handler := api.NewHandler(svc, store, logger)

	var limiter *api.RateLimiter
	limiterCtx, stopLimiter := context.WithCancel(context.Background())
	defer stopLimiter()
	if cfg.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		go limiter.Run(limiterCtx)
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         logger,
		AllowedOrigins: cfg.Server.CORSOrigins,
		RateLimiter:    limiter,
	})

	scheduler := api.NewScheduler(svc, cfg.Scheduler.Interval, logger)
	if cfg.Scheduler.Enabled {
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newLocker returns a Redis lock when an address is configured and the
// in-process lock otherwise.
func newLocker(cfg config.RedisConfig, logger *slog.Logger) (commission.Locker, func(), error) {
	if cfg.Addr == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	logger.Info("using redis settlement lock", "addr", cfg.Addr)
	locker := lock.NewRedis(client, lock.RedisOptions{TTL: cfg.LockTTL, Logger: logger.With("component", "lock")})
	return locker, func() { client.Close() }, nil
}

func seedCatalog(ctx context.Context, svc *commission.Service, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule catalog: %w", err)
	}
	catalog, err := factory.ParseCatalogYAML(data)
	if err != nil {
		return err
	}
	applied, err := catalog.Apply(ctx, svc.Rules, svc.Campaigns)
	if err != nil {
		return err
	}
	logger.Info("rule catalog loaded", "file", path, "rules", len(applied.Rules), "campaigns", len(applied.Campaigns))
	return nil
}
