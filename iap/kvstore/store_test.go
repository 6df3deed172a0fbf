package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-tracker/iap"
	"github.com/code-payments/iap-tracker/iap/tests"
	"github.com/code-payments/iap-tracker/kv"
	kvmemory "github.com/code-payments/iap-tracker/kv/memory"
	"github.com/code-payments/iap-tracker/kv/sqlite"
)

func TestIap_KVStoreOverMemory(t *testing.T) {
	testStore := NewInKV(kvmemory.NewInMemory())
	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestIap_KVStoreOverSqlite(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "iap.db"))
	require.NoError(t, err)
	defer db.Close()

	testStore := NewInKV(db)
	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestIap_KVStoreWrapsBackendFailures(t *testing.T) {
	ctx := context.Background()

	db := &failingStore{Store: kvmemory.NewInMemory(), err: context.DeadlineExceeded}
	s := NewInKV(db)

	_, err := s.GetRequest(ctx, "R1")
	var storageErr *iap.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "get request", storageErr.Op)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = s.GetAllRequestIDs(ctx)
	require.ErrorAs(t, err, &storageErr)

	_, err = s.IsTokenFulfilled(ctx, "TOK1")
	require.ErrorAs(t, err, &storageErr)
}

func TestIap_KVStoreCorruptValue(t *testing.T) {
	ctx := context.Background()

	db := kvmemory.NewInMemory()
	require.NoError(t, db.Put(ctx, requestKey("R1"), []byte("{not json")))

	_, err := NewInKV(db).GetRequest(ctx, "R1")
	var storageErr *iap.StorageError
	require.ErrorAs(t, err, &storageErr)
}

type failingStore struct {
	kv.Store
	err error
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, s.err
}

func (s *failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, s.err
}

func TestIap_KVTracker(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "iap.db"))
	require.NoError(t, err)
	defer db.Close()

	testStore := NewInKV(db)
	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunTrackerTests(t, testStore, teardown)
}

func TestIap_KVTrackerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "iap.db")
	log := zap.Must(zap.NewDevelopment())

	db, err := sqlite.Open(path)
	require.NoError(t, err)

	tracker := iap.NewTracker(log, NewInKV(db), nil, nil, nil, nil)
	require.NoError(t, tracker.BeginPurchase(ctx, "R1", "sku.orange"))
	_, err = tracker.RecordResponse(ctx, "R1", "sku.orange", "TOK1")
	require.NoError(t, err)
	require.NoError(t, tracker.BeginPurchase(ctx, "R2", "sku.orange"))
	require.NoError(t, db.Close())

	// Reopened after the crash, the recorded response is granted exactly once.
	db, err = sqlite.Open(path)
	require.NoError(t, err)

	tracker = iap.NewTracker(log, NewInKV(db), nil, nil, nil, nil)

	var fulfillments []*iap.Fulfillment
	for fulfillment, err := range tracker.Reconcile(ctx, "user42", false) {
		require.NoError(t, err)
		fulfillments = append(fulfillments, fulfillment)
	}
	require.Len(t, fulfillments, 1)
	require.Equal(t, "R1", fulfillments[0].RequestID)
	require.NoError(t, db.Close())

	db, err = sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()

	tracker = iap.NewTracker(log, NewInKV(db), nil, nil, nil, nil)
	for _, err := range tracker.Reconcile(ctx, "user42", false) {
		require.NoError(t, err)
		t.Fatal("nothing should be left to reconcile")
	}

	fulfilled, err := tracker.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.True(t, fulfilled)

	record, err := tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	request, err := NewInKV(db).GetRequest(ctx, "R2")
	require.NoError(t, err)
	require.Equal(t, iap.StateSent, request.State)
}
