package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/pkg/apk"
)

func newModel(t *testing.T, checksum string, dex string) *apk.Package {
	t.Helper()
	p, err := apk.NewPackage(apk.Spec{
		Name:        "base",
		Checksum:    checksum,
		Path:        "/tmp/base.apk",
		PackageName: "com.example.app",
		Processes:   []string{"com.example.app"},
		Entries: map[string]apk.Entry{
			"manifest.bin": {Size: 10, Checksum: "h1"},
			"classes.dex":  {Size: 20, Checksum: dex},
		},
	})
	if err != nil {
		t.Fatalf("NewPackage: %v", err)
	}
	return p
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	badgerStore, err := OpenBadger(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	stores := map[string]Store{"sqlite": sqliteStore, "badger": badgerStore}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		model := newModel(t, "c1", "h2")
		if err := store.Put(ctx, "c1", model); err != nil {
			t.Fatalf("%s: Put: %v", name, err)
		}
		got, ok, err := store.Get(ctx, "c1")
		if err != nil || !ok {
			t.Fatalf("%s: Get: ok=%v err=%v", name, ok, err)
		}
		if !got.SameContent(model) {
			t.Fatalf("%s: stored model differs", name)
		}
		if got.Path() != "" {
			t.Fatalf("%s: run-local path must not be persisted, got %s", name, got.Path())
		}
		if err := store.Put(ctx, "c1", model); err != nil {
			t.Fatalf("%s: identical re-put must be a no-op: %v", name, err)
		}
		err = store.Put(ctx, "c1", newModel(t, "c1", "h3"))
		var ce *ConsistencyError
		if !errors.As(err, &ce) || ce.Checksum != "c1" {
			t.Fatalf("%s: expected ConsistencyError, got %v", name, err)
		}
		if _, ok, _ := store.Get(ctx, "missing"); ok {
			t.Fatalf("%s: unexpected hit for missing checksum", name)
		}
	}
}

func TestStoreInstalledPointer(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		if _, ok, err := store.Installed(ctx, "emulator-5554", "com.example.app"); err != nil || ok {
			t.Fatalf("%s: expected no pointer, ok=%v err=%v", name, ok, err)
		}
		if err := store.SetInstalled(ctx, "emulator-5554", "com.example.app", []string{"a", "b"}); err != nil {
			t.Fatalf("%s: SetInstalled: %v", name, err)
		}
		if err := store.SetInstalled(ctx, "emulator-5554", "com.example.app", []string{"c"}); err != nil {
			t.Fatalf("%s: SetInstalled replace: %v", name, err)
		}
		got, ok, err := store.Installed(ctx, "emulator-5554", "com.example.app")
		if err != nil || !ok || len(got) != 1 || got[0] != "c" {
			t.Fatalf("%s: unexpected pointer %v ok=%v err=%v", name, got, ok, err)
		}
		if err := store.ClearInstalled(ctx, "emulator-5554", "com.example.app"); err != nil {
			t.Fatalf("%s: ClearInstalled: %v", name, err)
		}
		if _, ok, _ := store.Installed(ctx, "emulator-5554", "com.example.app"); ok {
			t.Fatalf("%s: pointer survived clear", name)
		}
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := store.Put(ctx, "c1", newModel(t, "c1", "h2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, err := reopened.Get(ctx, "c1"); err != nil || !ok {
		t.Fatalf("model lost across reopen: ok=%v err=%v", ok, err)
	}
}

func TestCacheAnalyzeOncePerChecksum(t *testing.T) {
	store, err := OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	c := New(store)
	defer c.Close()

	dir := t.TempDir()
	first := filepath.Join(dir, "a.apk")
	second := filepath.Join(dir, "b.apk")
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, []byte("same-bytes"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var calls int32
	analyze := func(ctx context.Context, path, checksum string) (*apk.Package, error) {
		atomic.AddInt32(&calls, 1)
		return newModel(t, checksum, "h2").WithPath(path), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := first
			if i%2 == 1 {
				p = second
			}
			model, err := c.Analyze(context.Background(), p, analyze)
			if err != nil {
				t.Errorf("Analyze: %v", err)
				return
			}
			if model.Path() != p {
				t.Errorf("model bound to %s, want %s", model.Path(), p)
			}
		}(i)
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("expected one scan, got %d", calls)
	}
	hits, misses := c.Stats()
	if misses != 1 || hits+misses < 1 {
		t.Fatalf("unexpected stats hits=%d misses=%d", hits, misses)
	}
}

func TestCacheRejectsConflictingPut(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	c := New(store)
	defer c.Close()
	ctx := context.Background()
	if err := c.Put(ctx, "c1", newModel(t, "c1", "h2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var ce *ConsistencyError
	if err := c.Put(ctx, "c1", newModel(t, "c1", "h9")); !errors.As(err, &ce) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}
	if err := c.Put(ctx, "c2", newModel(t, "c1", "h2")); err == nil {
		t.Fatalf("expected key/model checksum mismatch to fail")
	}
}
