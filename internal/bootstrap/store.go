// Package bootstrap assembles the infrastructure shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/pkg/config"
	"github.com/noah-isme/lms-api/pkg/database"
	"github.com/noah-isme/lms-api/pkg/docstore"
)

// Store is an opened document store. DB is nil for the memory driver.
type Store struct {
	docstore.Store
	DB *sqlx.DB
}

// Ping checks the backing database, if any.
func (s *Store) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

// Close releases the backing database, if any.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStore builds the document store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg *config.Config, onConflict func(attempt int), logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := docstore.Options{
		MaxAttempts:  cfg.Store.MaxAttempts,
		RetryBackoff: cfg.Store.RetryBackoff,
		OnConflict:   onConflict,
	}

	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory document store, data is lost on exit")
		return &Store{Store: docstore.NewMemoryStore(opts)}, nil
	case config.StoreDriverPostgres, "":
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := docstore.NewPostgresStore(db, opts)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Store{Store: store, DB: db}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
