package memory

import (
	"testing"

	"github.com/code-payments/iap-tracker/kv/tests"
)

func TestKV_MemoryStore(t *testing.T) {
	testStore := NewInMemory()
	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}
