package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VenkatGGG/idempotency-keys/internal/config"
	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
)

type storeBackend struct {
	store idempotency.Store
	// sweep runs until ctx is done. Nil when the backend expires entries itself.
	sweep func(ctx context.Context) error
	close func()
}

// openStore builds the configured backend and wraps it so every call is traced
// with the storage type.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storeBackend, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return storeBackend{}, err
	}
	backend.store = idempotency.NewTracedStore(backend.store, cfg.StorageType, nil)
	return backend, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (storeBackend, error) {
	switch cfg.StorageType {
	case config.StorageInMemory:
		store := idempotency.NewInMemoryStore()
		return storeBackend{
			store: store,
			sweep: func(ctx context.Context) error {
				return store.RunSweeper(ctx, cfg.SweepInterval, logger)
			},
			close: func() {},
		}, nil

	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return storeBackend{}, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("idempotency store ready", "storage", cfg.StorageType, "addr", cfg.RedisAddr)
		return storeBackend{
			store: idempotency.NewRedisStore(client, cfg.RedisPrefix),
			close: func() { _ = client.Close() },
		}, nil

	case config.StoragePostgres:
		store, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return storeBackend{}, err
		}
		logger.Info("idempotency store ready", "storage", cfg.StorageType)
		return storeBackend{
			store: store,
			sweep: func(ctx context.Context) error {
				return sweepPostgres(ctx, store, cfg.SweepInterval, logger)
			},
			close: store.Close,
		}, nil

	default:
		return storeBackend{}, fmt.Errorf("unsupported storage type %q", cfg.StorageType)
	}
}

// sweepPostgres deletes expired rows on a ticker. Reads already ignore them, so
// this only bounds table growth.
func sweepPostgres(ctx context.Context, store *idempotency.PostgresStore, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := store.Sweep(ctx)
			if err != nil {
				logger.Warn("idempotency sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency sweep removed expired keys", "removed", removed)
			}
		}
	}
}
