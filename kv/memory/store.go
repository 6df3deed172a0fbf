package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/code-payments/iap-tracker/kv"
)

type store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemory() kv.Store {
	return &store{
		data: make(map[string][]byte),
	}
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string][]byte)
}

func (s *store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return kv.CloneBytes(value), nil
}

func (s *store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = kv.CloneBytes(value)
	return nil
}

func (s *store) PutIfAbsent(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return kv.ErrExists
	}
	s.data[key] = kv.CloneBytes(value)
	return nil
}

func (s *store) PutAll(_ context.Context, entries []kv.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.data[e.Key] = kv.CloneBytes(e.Value)
	}
	return nil
}

func (s *store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *store) Close() error {
	return nil
}
