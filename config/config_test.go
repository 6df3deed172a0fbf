package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/code-payments/iap-tracker/iap"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "iap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, BackendSqlite, cfg.Store.Backend)
	require.Equal(t, "iap.db", cfg.Store.Sqlite.Path)
	require.Equal(t, "iap", cfg.Store.Redis.Namespace)
	require.Zero(t, cfg.Store.CacheTTL)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Log.Development)

	catalog, err := cfg.BuildCatalog()
	require.NoError(t, err)
	require.Empty(t, catalog.Skus())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
  redis:
    addr: localhost:6379
    namespace: shop
  cache_ttl: 30s
log:
  level: debug
  development: true
catalog:
  - sku: sku.orange
    type: consumable
    quantity: 3
    price: "0.99"
  - sku: sku.premium
    type: entitlement
    price: "9.99"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, BackendRedis, cfg.Store.Backend)
	require.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
	require.Equal(t, "shop", cfg.Store.Redis.Namespace)
	require.Equal(t, 30*time.Second, cfg.Store.CacheTTL)
	require.True(t, cfg.Log.Development)

	level, err := cfg.Log.ZapLevel()
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)

	catalog, err := cfg.BuildCatalog()
	require.NoError(t, err)
	require.Equal(t, []string{"sku.orange", "sku.premium"}, catalog.Skus())
	require.Equal(t, iap.Grant{Quantity: 3}, catalog.GrantFor("sku.orange"))
	require.Equal(t, iap.Grant{Entitlement: true}, catalog.GrantFor("sku.premium"))

	sku, ok := catalog.Get("sku.premium")
	require.True(t, ok)
	require.Equal(t, "9.99", sku.Price.String())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sqlite
  sqlite:
    path: from-file.db
`)

	t.Setenv("IAP_STORE_BACKEND", "postgres")
	t.Setenv("IAP_POSTGRES_URL", "postgres://localhost/iap")
	t.Setenv("IAP_SQLITE_PATH", "from-env.db")
	t.Setenv("IAP_CACHE_TTL", "1m")
	t.Setenv("IAP_LOG_LEVEL", "warn")
	t.Setenv("IAP_LOG_DEVELOPMENT", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, BackendPostgres, cfg.Store.Backend)
	require.Equal(t, "postgres://localhost/iap", cfg.Store.Postgres.URL)
	require.Equal(t, "from-env.db", cfg.Store.Sqlite.Path)
	require.Equal(t, time.Minute, cfg.Store.CacheTTL)
	require.Equal(t, "warn", cfg.Log.Level)
	require.True(t, cfg.Log.Development)
}

func TestLoad_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config string
		env    map[string]string
	}{
		{name: "unknown backend", config: "store:\n  backend: dynamo\n"},
		{name: "postgres without url", config: "store:\n  backend: postgres\n"},
		{name: "redis without addr", config: "store:\n  backend: redis\n"},
		{name: "negative ttl", config: "store:\n  cache_ttl: -1s\n"},
		{name: "bad level", config: "log:\n  level: loud\n"},
		{name: "bad item type", config: "catalog:\n  - sku: sku.orange\n    type: gadget\n"},
		{name: "bad price", config: "catalog:\n  - sku: sku.orange\n    type: consumable\n    price: cheap\n"},
		{name: "negative price", config: "catalog:\n  - sku: sku.orange\n    type: consumable\n    price: \"-1\"\n"},
		{name: "duplicate sku", config: "catalog:\n  - sku: sku.orange\n    type: consumable\n  - sku: sku.orange\n    type: consumable\n"},
		{name: "malformed yaml", config: "store: [\n"},
		{name: "bad ttl env", env: map[string]string{"IAP_CACHE_TTL": "soon"}},
		{name: "bad development env", env: map[string]string{"IAP_LOG_DEVELOPMENT": "maybe"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			path := ""
			if tc.config != "" {
				path = writeConfig(t, tc.config)
			}

			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
