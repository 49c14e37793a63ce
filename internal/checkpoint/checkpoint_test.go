package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"bifrost/internal/checkpoint"
)

func stores(t *testing.T) map[string]checkpoint.Store {
	t.Helper()
	sqlite, err := checkpoint.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "checkpoints.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]checkpoint.Store{
		"file":   checkpoint.NewFileStore(t.TempDir()),
		"sqlite": sqlite,
	}
}

func writeOutput(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("voxels"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	return path
}

func TestStoreLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			key := checkpoint.Key{Step: "affine_0", Item: "brain01", Variant: checkpoint.Primary}

			ok, err := store.Exists(ctx, key)
			if err != nil || ok {
				t.Fatalf("fresh key: exists=%v err=%v", ok, err)
			}

			out := writeOutput(t, dir, "brain01.nii")
			if err := store.MarkComplete(ctx, key, []string{out}); err != nil {
				t.Fatalf("mark complete: %v", err)
			}
			if ok, err := store.Exists(ctx, key); err != nil || !ok {
				t.Fatalf("after mark: exists=%v err=%v", ok, err)
			}

			mirrored := key
			mirrored.Variant = checkpoint.Mirrored
			if ok, _ := store.Exists(ctx, mirrored); ok {
				t.Fatal("mirrored variant must be checkpointed independently")
			}

			if err := store.Clear(ctx, key); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if ok, _ := store.Exists(ctx, key); ok {
				t.Fatal("key still exists after clear")
			}
			if err := store.Clear(ctx, key); err != nil {
				t.Fatalf("clearing twice should succeed: %v", err)
			}
		})
	}
}

func TestExistsRequiresOutputs(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			key := checkpoint.Key{Step: "syn_0", Item: "brain02", Variant: checkpoint.Mirrored}
			out := writeOutput(t, dir, "brain02_m.nii")
			warp := writeOutput(t, dir, "brain02_m_t.nii.gz")
			if err := store.MarkComplete(ctx, key, []string{out, warp}); err != nil {
				t.Fatalf("mark complete: %v", err)
			}
			if err := os.Remove(warp); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if ok, err := store.Exists(ctx, key); err != nil || ok {
				t.Fatalf("missing output should invalidate checkpoint: exists=%v err=%v", ok, err)
			}
		})
	}
}

func TestKeyValidation(t *testing.T) {
	bad := []checkpoint.Key{
		{Step: "", Item: "a", Variant: checkpoint.Primary},
		{Step: "affine_0", Item: "../a", Variant: checkpoint.Primary},
		{Step: "affine_0", Item: "a", Variant: "sideways"},
	}
	store := checkpoint.NewFileStore(t.TempDir())
	for _, key := range bad {
		if err := store.MarkComplete(context.Background(), key, nil); err == nil {
			t.Fatalf("expected error for key %+v", key)
		}
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			var wg sync.WaitGroup
			errs := make(chan error, 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					item := "item" + string(rune('a'+i))
					out := filepath.Join(dir, item+".nii")
					if err := os.WriteFile(out, []byte("x"), 0o644); err != nil {
						errs <- err
						return
					}
					errs <- store.MarkComplete(ctx, checkpoint.Key{Step: "affine_0", Item: item, Variant: checkpoint.Primary}, []string{out})
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent mark: %v", err)
				}
			}
			for i := 0; i < 16; i++ {
				key := checkpoint.Key{Step: "affine_0", Item: "item" + string(rune('a'+i)), Variant: checkpoint.Primary}
				if ok, err := store.Exists(ctx, key); err != nil || !ok {
					t.Fatalf("key %s: exists=%v err=%v", key, ok, err)
				}
			}
		})
	}
}

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{"", checkpoint.BackendFile, checkpoint.BackendSQLite} {
		store, closeStore, err := checkpoint.Open(context.Background(), backend, t.TempDir())
		if err != nil {
			t.Fatalf("open %q: %v", backend, err)
		}
		if store == nil {
			t.Fatalf("open %q returned nil store", backend)
		}
		if err := closeStore(); err != nil {
			t.Fatalf("close %q: %v", backend, err)
		}
	}
	if _, _, err := checkpoint.Open(context.Background(), "etcd", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
