package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/code-payments/iap-tracker/iap"
)

const (
	BackendMemory   = "memory"
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

const (
	envBackend        = "IAP_STORE_BACKEND"
	envSqlitePath     = "IAP_SQLITE_PATH"
	envPostgresURL    = "IAP_POSTGRES_URL"
	envRedisAddr      = "IAP_REDIS_ADDR"
	envRedisNamespace = "IAP_REDIS_NAMESPACE"
	envCacheTTL       = "IAP_CACHE_TTL"
	envLogLevel       = "IAP_LOG_LEVEL"
	envLogDevelopment = "IAP_LOG_DEVELOPMENT"
)

const (
	defaultBackend        = BackendSqlite
	defaultSqlitePath     = "iap.db"
	defaultRedisNamespace = "iap"
	defaultLogLevel       = "info"
)

type Config struct {
	Store   StoreConfig `yaml:"store"`
	Log     LogConfig   `yaml:"log"`
	Catalog []SkuConfig `yaml:"catalog"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Sqlite   SqliteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`

	// CacheTTL enables a read-through cache in front of the backend when
	// positive.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// SkuConfig is a catalog entry as written in the configuration file.
type SkuConfig struct {
	Sku      string `yaml:"sku"`
	Type     string `yaml:"type"`
	Quantity int    `yaml:"quantity"`
	Price    string `yaml:"price"`
}

// Load builds the configuration from a .env file in the working directory,
// the YAML file at path (skipped when empty) and IAP_* environment variables,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env file")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(envBackend); ok {
		c.Store.Backend = v
	}
	if v, ok := os.LookupEnv(envSqlitePath); ok {
		c.Store.Sqlite.Path = v
	}
	if v, ok := os.LookupEnv(envPostgresURL); ok {
		c.Store.Postgres.URL = v
	}
	if v, ok := os.LookupEnv(envRedisAddr); ok {
		c.Store.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(envRedisNamespace); ok {
		c.Store.Redis.Namespace = v
	}
	if v, ok := os.LookupEnv(envCacheTTL); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", envCacheTTL)
		}
		c.Store.CacheTTL = ttl
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv(envLogDevelopment); ok {
		development, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", envLogDevelopment)
		}
		c.Log.Development = development
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = defaultBackend
	}
	if c.Store.Sqlite.Path == "" {
		c.Store.Sqlite.Path = defaultSqlitePath
	}
	if c.Store.Redis.Namespace == "" {
		c.Store.Redis.Namespace = defaultRedisNamespace
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSqlite:
	case BackendPostgres:
		if c.Store.Postgres.URL == "" {
			return errors.New("store.postgres.url is required for the postgres backend")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.CacheTTL < 0 {
		return errors.New("store.cache_ttl must not be negative")
	}

	if _, err := c.Log.ZapLevel(); err != nil {
		return err
	}

	_, err := c.BuildCatalog()
	return err
}

func (c LogConfig) ZapLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return level, errors.Wrap(err, "invalid log.level")
	}
	return level, nil
}

// BuildCatalog converts the configured entries into an iap.Catalog.
func (c *Config) BuildCatalog() (*iap.Catalog, error) {
	catalog, err := iap.NewCatalog()
	if err != nil {
		return nil, err
	}

	for _, entry := range c.Catalog {
		itemType, err := iap.ParseItemType(entry.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "catalog sku %s", entry.Sku)
		}

		price := decimal.Zero
		if entry.Price != "" {
			price, err = decimal.NewFromString(entry.Price)
			if err != nil {
				return nil, errors.Wrapf(err, "catalog sku %s: invalid price", entry.Sku)
			}
			if price.IsNegative() {
				return nil, fmt.Errorf("catalog sku %s: price must not be negative", entry.Sku)
			}
		}

		err = catalog.Add(iap.Sku{
			ID:       entry.Sku,
			Type:     itemType,
			Quantity: entry.Quantity,
			Price:    price,
		})
		if err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
