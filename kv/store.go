package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrExists   = errors.New("key already exists")
)

// Entry is a single key/value pair written as part of PutAll.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a durable key-value store. It is the only persistence mechanism the
// purchase tracker relies on, so every implementation must survive a process
// restart (the memory implementation being the test-only exception).
type Store interface {

	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or overwrites the value stored under key.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent stores value under key only if the key is not already
	// present. It returns ErrExists otherwise.
	PutIfAbsent(ctx context.Context, key string, value []byte) error

	// PutAll writes every entry, or none of them.
	PutAll(ctx context.Context, entries []Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every key starting with prefix. The order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

func CloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned
}
