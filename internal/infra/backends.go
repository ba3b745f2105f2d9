// Package infra opens the storage and pairing backends selected by config.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kw-pass/kwpass/internal/config"
	"github.com/kw-pass/kwpass/internal/kv"
	"github.com/kw-pass/kwpass/internal/peersync"
	"github.com/kw-pass/kwpass/internal/vault"
)

// Backends bundles everything main needs to close on shutdown.
type Backends struct {
	Store     kv.Store
	Keys      vault.KeyFacility
	Transport peersync.Transport
	// Cache is set whenever REDIS_URL is configured; the rate limiter uses it.
	Cache *redis.Client
	DB    *pgxpool.Pool
}

// Open connects the backends named by cfg. On error everything opened so far
// is closed.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if err := b.open(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	logger.Info("backends ready", "store", cfg.StoreDriver, "peer_transport", cfg.PeerTransport, "role", cfg.Role)
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.RedisURL != "" {
		cache, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		b.Cache = cache
	}

	switch cfg.StoreDriver {
	case "memory":
		b.Store = kv.NewMemoryStore()
		b.Keys = vault.NewMemoryKeyFacility()
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		store, err := kv.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.Store = store
	case "redis":
		if b.Cache == nil {
			return fmt.Errorf("redis store requires REDIS_URL")
		}
		b.Store = kv.NewRedisStore(b.Cache, "kwpass:"+cfg.PairingID+":"+cfg.Role+":kv:")
	case "postgres":
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		b.DB = pool
		store, err := kv.NewPostgresStore(ctx, pool)
		if err != nil {
			return err
		}
		b.Store = store
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if b.Keys == nil {
		b.Keys = vault.NewFileKeyFacility(cfg.KeyPath())
	}

	switch cfg.PeerTransport {
	case "none":
		b.Transport = peersync.Disconnected{}
	case "redis":
		if b.Cache == nil {
			return fmt.Errorf("redis peer transport requires REDIS_URL")
		}
		b.Transport = peersync.NewRedisTransport(b.Cache, cfg.PairingID, logger)
	case "nats":
		transport, err := peersync.ConnectNATS(cfg.NATSURL, cfg.PairingID, logger)
		if err != nil {
			return err
		}
		b.Transport = transport
	default:
		return fmt.Errorf("unknown peer transport %q", cfg.PeerTransport)
	}
	return nil
}

// Close releases every opened backend.
func (b *Backends) Close() error {
	var errs []error
	if b.Transport != nil {
		errs = append(errs, b.Transport.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.DB != nil {
		b.DB.Close()
	}
	if b.Cache != nil {
		errs = append(errs, b.Cache.Close())
	}
	return errors.Join(errs...)
}
