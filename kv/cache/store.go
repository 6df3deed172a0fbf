package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/iap-tracker/kv"
)

// Cache is a read-through cache in front of a kv.Store. Only successful Gets
// are cached; every write invalidates the keys it touches.
type Cache struct {
	db    kv.Store
	cache *ttlcache.Cache

	// A Get only caches what it read if no write started or finished while
	// it was reading.
	mu         sync.Mutex
	generation uint64
	inflight   int
}

func NewInCache(db kv.Store, ttl time.Duration) kv.Store {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Cache{
		db:    db,
		cache: cache,
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	cached, ok := c.cache.Get(key)
	if ok {
		return kv.CloneBytes(cached.([]byte)), nil
	}

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	value, err := c.db.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == generation && c.inflight == 0 {
		c.cache.Set(key, kv.CloneBytes(value))
	}
	c.mu.Unlock()
	return value, nil
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	defer c.endWrite(key)
	c.beginWrite(key)
	return c.db.Put(ctx, key, value)
}

func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	defer c.endWrite(key)
	c.beginWrite(key)
	return c.db.PutIfAbsent(ctx, key, value)
}

func (c *Cache) PutAll(ctx context.Context, entries []kv.Entry) error {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}

	defer c.endWrite(keys...)
	c.beginWrite(keys...)
	return c.db.PutAll(ctx, entries)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	defer c.endWrite(key)
	c.beginWrite(key)
	return c.db.Delete(ctx, key)
}

func (c *Cache) beginWrite(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.inflight++
	for _, key := range keys {
		c.cache.Remove(key)
	}
}

// endWrite evicts the keys again, in case a Get that started before the write
// cached the old value.
func (c *Cache) endWrite(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.inflight--
	for _, key := range keys {
		c.cache.Remove(key)
	}
}

func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	return c.db.Keys(ctx, prefix)
}

func (c *Cache) Close() error {
	c.cache.Close()
	return c.db.Close()
}
