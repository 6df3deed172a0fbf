package redis

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/code-payments/iap-tracker/kv"
)

const scanBatchSize = 100

type store struct {
	client    redis.UniversalClient
	namespace string
}

// NewInRedis returns a kv.Store that keeps every key under "<namespace>:".
// Durability follows the server's persistence settings (AOF or RDB).
func NewInRedis(client redis.UniversalClient, namespace string) kv.Store {
	return &store{
		client:    client,
		namespace: namespace,
	}
}

func (s *store) reset() {
	ctx := context.Background()

	keys, err := s.scan(ctx, s.namespace+":*")
	if err != nil {
		panic(err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			panic(err)
		}
	}
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.toRedisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, kv.ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s", key)
	}
	return value, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	err := s.client.Set(ctx, s.toRedisKey(key), value, 0).Err()
	return errors.Wrapf(err, "failed to put %s", key)
}

func (s *store) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	ok, err := s.client.SetNX(ctx, s.toRedisKey(key), value, 0).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to insert %s", key)
	}
	if !ok {
		return kv.ErrExists
	}
	return nil
}

func (s *store) PutAll(ctx context.Context, entries []kv.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.Set(ctx, s.toRedisKey(e.Key), e.Value, 0)
		}
		return nil
	})
	return errors.Wrap(err, "failed to execute transaction")
}

func (s *store) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.toRedisKey(key)).Err()
	return errors.Wrapf(err, "failed to delete %s", key)
}

func (s *store) Keys(ctx context.Context, prefix string) ([]string, error) {
	redisKeys, err := s.scan(ctx, escapeGlob(s.toRedisKey(prefix))+"*")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list keys with prefix %s", prefix)
	}

	keys := make([]string, 0, len(redisKeys))
	for _, redisKey := range redisKeys {
		keys = append(keys, s.fromRedisKey(redisKey))
	}
	return keys, nil
}

func (s *store) Close() error {
	return s.client.Close()
}

// scan collects every key matching pattern. SCAN may return a key more than
// once, so results are deduplicated.
func (s *store) scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, iter.Err()
}

func (s *store) toRedisKey(key string) string {
	return s.namespace + ":" + key
}

func (s *store) fromRedisKey(redisKey string) string {
	return strings.TrimPrefix(redisKey, s.namespace+":")
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
