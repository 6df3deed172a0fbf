package memory_test

import (
	"testing"

	"github.com/code-payments/iap-tracker/iap/memory"
	"github.com/code-payments/iap-tracker/iap/tests"
)

func TestIap_MemoryStore(t *testing.T) {
	testStore := memory.NewInMemory()
	teardown := func() {
		testStore.(*memory.InMemoryStore).Reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestIap_MemoryTracker(t *testing.T) {
	testStore := memory.NewInMemory()
	teardown := func() {
		testStore.(*memory.InMemoryStore).Reset()
	}
	tests.RunTrackerTests(t, testStore, teardown)
}
