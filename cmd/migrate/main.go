// Command migrate applies the PostgreSQL schema under migrations/postgres.
//
// Usage:
//
//	migrate [-config path] [-dir migrations/postgres] [up|down|drop|version]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/roster/config"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to config file (defaults to CONFIG_PATH env or config.yaml)")
		migrationsDir = flag.String("dir", "migrations/postgres", "directory containing migration files")
	)
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	action := "up"
	if flag.NArg() > 0 {
		action = flag.Arg(0)
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		logger.Fatalf("migrations apply to the postgres driver only, config uses %q", cfg.Database.Driver)
	}

	if err := runMigration(logger, action, *migrationsDir, cfg.Database.DSN()); err != nil {
		logger.Fatalf("migration %s failed: %v", action, err)
	}

	logger.Infof("migration %s completed", action)
}

func runMigration(logger *logrus.Logger, action, dir, dsn string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve path for %s: %w", dir, err)
	}
	if _, err := os.Stat(absDir); err != nil {
		return fmt.Errorf("migrations directory: %w", err)
	}
	absDir = filepath.ToSlash(absDir)

	m, err := migrate.New("file://"+absDir, dsn)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	switch action {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	case "drop":
		return m.Drop()
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("no migration applied")
				return nil
			}
			return err
		}
		logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("current schema version")
		return nil
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
}
