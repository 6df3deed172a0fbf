package iap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.fulfillments.WithLabelValues(fulfillmentPathReconcile).Inc()
	m.fulfillments.WithLabelValues(fulfillmentPathReconcile).Inc()
	m.fulfillments.WithLabelValues(fulfillmentPathUpdates).Inc()

	require.EqualValues(t, 2, testutil.ToFloat64(m.fulfillments.WithLabelValues(fulfillmentPathReconcile)))

	count, err := testutil.GatherAndCount(reg, "iap_fulfillments_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Panics(t, func() {
		NewMetrics(reg)
	})

	// Unregistered collectors still count.
	unregistered := NewMetrics(nil)
	unregistered.consumedUnits.Add(3)
	require.EqualValues(t, 3, testutil.ToFloat64(unregistered.consumedUnits))
}

func TestTracker_CountsStorageErrors(t *testing.T) {
	tracker := NewTracker(zap.NewNop(), nil, nil, nil, nil, nil)

	tracker.noteError(errors.New("not a storage failure"))
	tracker.noteError(ErrNotFound)
	tracker.noteError(fmt.Errorf("request R1: %w", &StorageError{Op: "get request", Key: "R1", Err: errors.New("disk full")}))

	require.EqualValues(t, 1, testutil.ToFloat64(tracker.metrics.storageErrors))
}
