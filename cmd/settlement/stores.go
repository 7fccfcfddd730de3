package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-settlement-backend/internal/config"
	"github.com/tbourn/go-settlement-backend/internal/queue"
	"github.com/tbourn/go-settlement-backend/internal/repo"
	"github.com/tbourn/go-settlement-backend/internal/repo/pgstore"
	"github.com/tbourn/go-settlement-backend/internal/services"
	"github.com/tbourn/go-settlement-backend/internal/worker"
)

// recordStore is what the services and the worker need from either backend.
type recordStore interface {
	services.TransactionStore
	worker.Store
	Close() error
}

// openStore opens and migrates the configured record store.
func openStore(ctx context.Context, cfg config.Config) (recordStore, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info().Str("driver", config.DriverPostgres).Msg("record store ready")
		return s, nil

	default:
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
		db, err := repo.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s := repo.NewStore(db)
		if err := repo.AutoMigrate(db); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		if cfg.OTEL.Enabled {
			if err := repo.EnableTracing(db); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("gorm tracing: %w", err)
			}
		}
		log.Info().Str("driver", config.DriverSQLite).Str("path", cfg.Store.Path).Msg("record store ready")
		return s, nil
	}
}

// openQueue opens the bolt dispatch queue with the configured timings.
func openQueue(cfg config.Config) (*queue.BoltQueue, error) {
	if err := ensureDir(cfg.Queue.Path); err != nil {
		return nil, err
	}
	q, err := queue.Open(cfg.Queue.Path, queue.Options{
		RetryDelay:      cfg.Queue.RetryDelay,
		LeaseTimeout:    cfg.Queue.LeaseTimeout,
		PromoteInterval: cfg.Queue.PromoteInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", cfg.Queue.Path, err)
	}
	return q, nil
}

func ensureDir(file string) error {
	dir := filepath.Dir(file)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
