package storage

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/code-payments/iap-tracker/config"
	"github.com/code-payments/iap-tracker/kv"
	"github.com/code-payments/iap-tracker/kv/cache"
	"github.com/code-payments/iap-tracker/kv/memory"
	"github.com/code-payments/iap-tracker/kv/postgres"
	kvredis "github.com/code-payments/iap-tracker/kv/redis"
	"github.com/code-payments/iap-tracker/kv/sqlite"
)

// Open connects to the configured backend, wrapping it in a read-through
// cache when a cache TTL is set. The caller owns the returned store.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (kv.Store, error) {
	db, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	log.Debug("Opened store", zap.String("backend", cfg.Backend))

	if cfg.CacheTTL > 0 {
		log.Debug("Enabling read-through cache", zap.Duration("ttl", cfg.CacheTTL))
		return cache.NewInCache(db, cfg.CacheTTL), nil
	}
	return db, nil
}

func open(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewInMemory(), nil

	case config.BackendSqlite:
		return sqlite.Open(cfg.Sqlite.Path)

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Postgres.URL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres")
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to connect to postgres")
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to migrate postgres")
		}
		return postgres.NewInPostgres(db), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		return kvredis.NewInRedis(client, cfg.Redis.Namespace), nil

	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Backend)
	}
}
