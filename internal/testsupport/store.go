package testsupport

import (
	"context"
	"testing"

	"bifrost/internal/checkpoint"
)

// MustOpenCheckpoints opens a checkpoint store of the named backend under dir
// and registers cleanup.
func MustOpenCheckpoints(t testing.TB, backend, dir string) checkpoint.Store {
	t.Helper()

	store, closeStore, err := checkpoint.Open(context.Background(), backend, dir)
	if err != nil {
		t.Fatalf("open %s checkpoints: %v", backend, err)
	}
	t.Cleanup(func() {
		if err := closeStore(); err != nil {
			t.Errorf("close checkpoints: %v", err)
		}
	})
	return store
}
