package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-tracker/kv/tests"
)

func TestKV_SqliteStore(t *testing.T) {
	testStore, err := Open(filepath.Join(t.TempDir(), "iap.db"))
	require.NoError(t, err)
	defer testStore.Close()

	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestKV_SqliteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "session:user", []byte("user42")))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	value, err := second.Get(ctx, "session:user")
	require.NoError(t, err)
	require.Equal(t, []byte("user42"), value)
}
