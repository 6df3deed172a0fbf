package tests

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-tracker/kv"
)

func RunStoreTests(t *testing.T, s kv.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s kv.Store){
		testPutAndGet,
		testGetNonExistentKey,
		testOverwrite,
		testPutIfAbsent,
		testPutAll,
		testDelete,
		testKeys,
		testReturnedValueIsCopy,
	} {
		tf(t, s)
		teardown()
	}
}

func testPutAndGet(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "request:R1", []byte(`{"state":"SENT"}`)))

	value, err := s.Get(ctx, "request:R1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"state":"SENT"}`), value)
}

func testGetNonExistentKey(t *testing.T, s kv.Store) {
	ctx := context.Background()

	value, err := s.Get(ctx, "nonExistentKey")
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.Nil(t, value)
}

func testOverwrite(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "overwriteKey", []byte("initial")))
	require.NoError(t, s.Put(ctx, "overwriteKey", []byte("updated")))

	value, err := s.Get(ctx, "overwriteKey")
	require.NoError(t, err)
	require.Equal(t, []byte("updated"), value)
}

func testPutIfAbsent(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutIfAbsent(ctx, "uniqueKey", []byte("first")))
	require.ErrorIs(t, s.PutIfAbsent(ctx, "uniqueKey", []byte("second")), kv.ErrExists)

	value, err := s.Get(ctx, "uniqueKey")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), value)
}

func testPutAll(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "batch:b", []byte("old")))
	require.NoError(t, s.PutAll(ctx, []kv.Entry{
		{Key: "batch:a", Value: []byte("1")},
		{Key: "batch:b", Value: []byte("2")},
		{Key: "batch:c", Value: []byte("3")},
	}))

	for key, expected := range map[string]string{
		"batch:a": "1",
		"batch:b": "2",
		"batch:c": "3",
	} {
		value, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte(expected), value)
	}

	require.NoError(t, s.PutAll(ctx, nil))
}

func testDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "deleteKey", []byte("value")))
	require.NoError(t, s.Delete(ctx, "deleteKey"))

	_, err := s.Get(ctx, "deleteKey")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "deleteKey"))
}

func testKeys(t *testing.T, s kv.Store) {
	ctx := context.Background()

	keys, err := s.Keys(ctx, "request:")
	require.NoError(t, err)
	require.Empty(t, keys)

	var expected []string
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("request:R%d", i)
		expected = append(expected, key)
		require.NoError(t, s.Put(ctx, key, []byte("x")))
	}
	require.NoError(t, s.Put(ctx, "sku:orange", []byte("x")))
	require.NoError(t, s.Put(ctx, "requests", []byte("x")))

	// Glob and LIKE metacharacters in the prefix must match literally
	require.NoError(t, s.Put(ctx, "odd*key%_[1]", []byte("x")))
	require.NoError(t, s.Put(ctx, "oddXkeyYZ1", []byte("x")))

	keys, err = s.Keys(ctx, "request:")
	require.NoError(t, err)
	require.ElementsMatch(t, expected, keys)

	keys, err = s.Keys(ctx, "odd*key%_[")
	require.NoError(t, err)
	require.Equal(t, []string{"odd*key%_[1]"}, keys)
}

func testReturnedValueIsCopy(t *testing.T, s kv.Store) {
	ctx := context.Background()

	original := []byte("immutable")
	require.NoError(t, s.Put(ctx, "copyKey", original))
	original[0] = 'X'

	value, err := s.Get(ctx, "copyKey")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), value)

	value[0] = 'Y'

	value, err = s.Get(ctx, "copyKey")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), value)
}
