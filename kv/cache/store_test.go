package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-tracker/kv"
	"github.com/code-payments/iap-tracker/kv/memory"
	"github.com/code-payments/iap-tracker/kv/tests"
)

type countingStore struct {
	kv.Store
	gets int
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets++
	return s.Store.Get(ctx, key)
}

func TestKV_CacheStore(t *testing.T) {
	var backing kv.Store = memory.NewInMemory()
	testStore := NewInCache(backing, time.Minute)

	teardown := func() {
		keys, err := backing.Keys(context.Background(), "")
		require.NoError(t, err)
		for _, key := range keys {
			require.NoError(t, testStore.Delete(context.Background(), key))
		}
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestKV_CacheServesRepeatedReads(t *testing.T) {
	ctx := context.Background()

	backing := &countingStore{Store: memory.NewInMemory()}
	testStore := NewInCache(backing, time.Minute)

	require.NoError(t, testStore.Put(ctx, "sku:orange", []byte("1")))

	for i := 0; i < 3; i++ {
		value, err := testStore.Get(ctx, "sku:orange")
		require.NoError(t, err)
		require.Equal(t, []byte("1"), value)
	}
	require.Equal(t, 1, backing.gets)

	require.NoError(t, testStore.PutAll(ctx, []kv.Entry{{Key: "sku:orange", Value: []byte("2")}}))

	value, err := testStore.Get(ctx, "sku:orange")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	require.Equal(t, 2, backing.gets)
}

func TestKV_CacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()

	backing := memory.NewInMemory()
	testStore := NewInCache(backing, time.Minute)

	_, err := testStore.Get(ctx, "token:missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, backing.Put(ctx, "token:missing", []byte("fulfilled")))

	value, err := testStore.Get(ctx, "token:missing")
	require.NoError(t, err)
	require.Equal(t, []byte("fulfilled"), value)
}

// racingStore reads through the cache while a write is in flight.
type racingStore struct {
	kv.Store
	cache kv.Store
	reads [][]byte
}

func (s *racingStore) PutAll(ctx context.Context, entries []kv.Entry) error {
	for _, e := range entries {
		value, err := s.cache.Get(ctx, e.Key)
		if err == nil {
			s.reads = append(s.reads, value)
		}
	}
	return s.Store.PutAll(ctx, entries)
}

func (s *racingStore) Put(ctx context.Context, key string, value []byte) error {
	if cached, err := s.cache.Get(ctx, key); err == nil {
		s.reads = append(s.reads, cached)
	}
	return s.Store.Put(ctx, key, value)
}

func TestKV_CacheReadDuringWriteIsNotKept(t *testing.T) {
	ctx := context.Background()

	backing := &racingStore{Store: memory.NewInMemory()}
	testStore := NewInCache(backing, time.Minute)
	backing.cache = testStore

	require.NoError(t, backing.Store.Put(ctx, "sku:a", []byte("owned=0")))

	require.NoError(t, testStore.PutAll(ctx, []kv.Entry{{Key: "sku:a", Value: []byte("owned=1")}}))
	require.Equal(t, [][]byte{[]byte("owned=0")}, backing.reads)

	value, err := testStore.Get(ctx, "sku:a")
	require.NoError(t, err)
	require.Equal(t, []byte("owned=1"), value)

	require.NoError(t, testStore.Put(ctx, "sku:a", []byte("owned=2")))
	require.Equal(t, [][]byte{[]byte("owned=0"), []byte("owned=1")}, backing.reads)

	value, err = testStore.Get(ctx, "sku:a")
	require.NoError(t, err)
	require.Equal(t, []byte("owned=2"), value)
}

// staleReadStore completes a full write through the cache after reading a
// value but before returning it.
type staleReadStore struct {
	kv.Store
	cache   kv.Store
	onceMu  sync.Mutex
	written bool
}

func (s *staleReadStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	s.onceMu.Lock()
	defer s.onceMu.Unlock()
	if !s.written {
		s.written = true
		if err := s.cache.Put(ctx, key, []byte("owned=1")); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func TestKV_CacheDropsReadsOverlappingAWrite(t *testing.T) {
	ctx := context.Background()

	backing := &staleReadStore{Store: memory.NewInMemory()}
	testStore := NewInCache(backing, time.Minute)
	backing.cache = testStore

	require.NoError(t, backing.Store.Put(ctx, "sku:a", []byte("owned=0")))

	value, err := testStore.Get(ctx, "sku:a")
	require.NoError(t, err)
	require.Equal(t, []byte("owned=0"), value)

	value, err = testStore.Get(ctx, "sku:a")
	require.NoError(t, err)
	require.Equal(t, []byte("owned=1"), value)
}
