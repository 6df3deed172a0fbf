package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-tracker/config"
	"github.com/code-payments/iap-tracker/kv/cache"
)

func TestOpen_Sqlite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.db")

	cfg := config.StoreConfig{
		Backend: config.BackendSqlite,
		Sqlite:  config.SqliteConfig{Path: path},
	}

	db, err := Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "session:user", []byte("user42")))
	require.NoError(t, db.Close())

	db, err = Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	value, err := db.Get(ctx, "session:user")
	require.NoError(t, err)
	require.Equal(t, []byte("user42"), value)
}

func TestOpen_Cached(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, config.StoreConfig{
		Backend:  config.BackendMemory,
		CacheTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	_, ok := db.(*cache.Cache)
	require.True(t, ok)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Backend: "dynamo"}, zap.NewNop())
	require.Error(t, err)
}

func TestOpen_UnreachableRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, config.StoreConfig{
		Backend: config.BackendRedis,
		Redis:   config.RedisConfig{Addr: "127.0.0.1:1", Namespace: "iap"},
	}, zap.NewNop())
	require.Error(t, err)
}
