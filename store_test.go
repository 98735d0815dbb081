package kindred

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	t.Run("roundtrip", func(t *testing.T) {
		store, err := NewFileStore(path)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		if _, ok, _ := store.Get(ctx, "missing"); ok {
			t.Fatal("missing key reported present")
		}
		if err := store.Set(ctx, "a", "1"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, ok, err := store.Get(ctx, "a")
		if err != nil || !ok || v != "1" {
			t.Fatalf("Get = %q %v %v", v, ok, err)
		}
	})

	t.Run("survives reopen", func(t *testing.T) {
		store, err := NewFileStore(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		v, ok, _ := store.Get(ctx, "a")
		if !ok || v != "1" {
			t.Fatalf("value lost across reopen: %q %v", v, ok)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		store, err := NewFileStore(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if err := store.Remove(ctx, "a", "never-existed"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, ok, _ := store.Get(ctx, "a"); ok {
			t.Fatal("removed key still present")
		}
	})

	t.Run("corrupt file rejected", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewFileStore(bad); err == nil {
			t.Fatal("expected error opening corrupt store file")
		}
	})
}
