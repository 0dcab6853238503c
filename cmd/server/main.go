/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the roster reconciliation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and the YAML config
  2. Build the logrus logger
  3. Open the store selected by database.driver
  4. Create the service, API handler and router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to the YAML config (default: $CONFIG_PATH or config.yaml).
           A missing default file falls back to built-in defaults.

DRIVERS:
  sqlite    File database at database.sqlite_path, schema created on start
  postgres  pgx pool; run cmd/migrate first
  memory    Non-persistent, for demos and local frontend work

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close the store
  4. Exit

ENVIRONMENT:
  CONFIG_PATH, DATABASE_PASSWORD, LISTEN_ADDR, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration file format
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/roster/api"
	"github.com/warp/roster/config"
	"github.com/warp/roster/roster"
	memstore "github.com/warp/roster/roster/store"
	"github.com/warp/roster/store/postgres"
	"github.com/warp/roster/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to CONFIG_PATH env or config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("failed to load .env: %v", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize %s store: %v", cfg.Database.Driver, err)
	}
	defer st.close()

	svc := roster.NewService(st.store, roster.Options{
		SearchWindow:       cfg.Compare.SearchWindow,
		MaxConflictRetries: noRetriesAsNegative(cfg.Compare.Retries()),
		Logger:             logger,
	})

	handler := api.NewHandler(svc, api.Options{
		Logger:         logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Ping:           st.ping,
	})
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":   cfg.Server.ListenAddr,
			"driver": cfg.Database.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server forced to shutdown: %v", err)
	}

	logger.Info("server stopped")
}

// loadConfig reads the resolved config file. Only a missing default file
// falls back to defaults; an explicitly named file must exist.
func loadConfig(flagValue string) (*config.Config, error) {
	path := config.ResolvePath(flagValue)
	if path == config.DefaultPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default()
		}
	}
	return config.Load(path)
}

// noRetriesAsNegative maps a configured zero to the service's "no retries"
// value, since a zero Options field means "use the default".
func noRetriesAsNegative(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

type openedStore struct {
	store roster.TxStore
	ping  func(context.Context) error
	close func()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*openedStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &openedStore{store: s, ping: s.Ping, close: func() { s.Close() }}, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &openedStore{store: postgres.New(pool), ping: pool.Ping, close: pool.Close}, nil

	case config.DriverMemory:
		return &openedStore{store: memstore.NewTxMemory(), close: func() {}}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
