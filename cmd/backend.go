package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facegate/internal/blob"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/database"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
)

// openBackend connects the durable storage selected by cfg.
func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using the in-memory identity store, enrollments are lost on exit")
		return store.NewMemory(), nil

	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Debug("opened sqlite identity store", "path", cfg.Store.SQLitePath)
		return db, nil

	case config.DriverPostgres:
		var blobs blob.Storage
		if cfg.Storage.Endpoint != "" {
			m, err := blob.NewMinio(ctx, blob.MinioConfig{
				Endpoint:  cfg.Storage.Endpoint,
				AccessKey: cfg.Storage.AccessKey,
				SecretKey: cfg.Storage.SecretKey,
				Bucket:    cfg.Storage.Bucket,
				UseSSL:    cfg.Storage.UseSSL,
			})
			if err != nil {
				return nil, err
			}
			blobs = m
		}
		return database.OpenPostgres(ctx, cfg.DatabaseURL, blobs, log)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// unavailableBackend stands in for storage that could not be opened. Reads fail, so the
// store starts empty with a warning, and writes fail loudly instead of being silently lost.
type unavailableBackend struct {
	err error
}

func (u unavailableBackend) Load(context.Context) (store.Snapshot, error) {
	return store.Snapshot{}, u.err
}

func (u unavailableBackend) Insert(context.Context, store.Record) (int64, error) {
	return 0, fmt.Errorf("identity store unavailable: %w", u.err)
}

func (u unavailableBackend) Clear(context.Context) error {
	return fmt.Errorf("identity store unavailable: %w", u.err)
}

func (u unavailableBackend) Close() error { return nil }
