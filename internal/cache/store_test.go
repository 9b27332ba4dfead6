package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Origin: "portal", Namespace: "shell-v1", Method: http.MethodGet, URL: "https://portal.example.org/app.js"}

	storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	payload := []byte("console.log('shell')")
	header := http.Header{"Content-Type": []string{"application/javascript"}}
	if _, err := store.Put(context.Background(), locator, Snapshot{StatusCode: http.StatusOK, Header: header, Body: payload, StoredAt: storedAt}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	entry, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(entry.Snapshot.Body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(entry.Snapshot.Body))
	}
	if entry.Snapshot.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", entry.Snapshot.SizeBytes)
	}
	if !entry.Snapshot.StoredAt.Equal(storedAt) {
		t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, entry.Snapshot.StoredAt)
	}
	if entry.Snapshot.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("header not persisted: %v", entry.Snapshot.Header)
	}
	if entry.Snapshot.URL != locator.URL || entry.Snapshot.Method != http.MethodGet {
		t.Fatalf("request identity not persisted: %+v", entry.Snapshot)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Locator{Origin: "portal", Namespace: "shell-v1", URL: "https://portal.example.org/missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreKeysByMethodAndURL(t *testing.T) {
	store := newTestStore(t)
	get := Locator{Origin: "portal", Namespace: "shell-v1", Method: http.MethodGet, URL: "https://portal.example.org/page?x=1"}
	if _, err := store.Put(context.Background(), get, Snapshot{StatusCode: 200, Body: []byte("x1")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	other := get
	other.URL = "https://portal.example.org/page?x=2"
	if _, err := store.Get(context.Background(), other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("different query should miss, got %v", err)
	}
	head := get
	head.Method = http.MethodHead
	if _, err := store.Get(context.Background(), head); !errors.Is(err, ErrNotFound) {
		t.Fatalf("different method should miss, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Origin: "portal", Namespace: "shell-v1", URL: "https://portal.example.org/remove"}
	if _, err := store.Put(context.Background(), locator, Snapshot{StatusCode: 200, Body: []byte("data")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Origin: "portal", Namespace: "shell-v1", URL: "https://portal.example.org/dir"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	base, err := fs.entryBase(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(base+metaSuffix, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreRejectsUnsafeNamespace(t *testing.T) {
	store := newTestStore(t)
	for _, ns := range []string{"", "..", "../escape", ".hidden", "a/b"} {
		locator := Locator{Origin: "portal", Namespace: ns, URL: "https://portal.example.org/"}
		if _, err := store.Put(context.Background(), locator, Snapshot{StatusCode: 200}); err == nil {
			t.Fatalf("namespace %q should be rejected", ns)
		}
		if err := ValidateNamespace(ns); err == nil {
			t.Fatalf("ValidateNamespace(%q) should fail", ns)
		}
	}
	if err := ValidateNamespace("shell-v2"); err != nil {
		t.Fatalf("ValidateNamespace(shell-v2) unexpected error: %v", err)
	}
}

func TestStoreNamespacesAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, ns := range []string{"shell-v2", "shell-v1"} {
		locator := Locator{Origin: "portal", Namespace: ns, URL: "https://portal.example.org/"}
		if _, err := store.Put(ctx, locator, Snapshot{StatusCode: 200, Body: []byte(ns)}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	names, err := store.Namespaces(ctx, "portal")
	if err != nil {
		t.Fatalf("namespaces error: %v", err)
	}
	if len(names) != 2 || names[0] != "shell-v1" || names[1] != "shell-v2" {
		t.Fatalf("unexpected namespaces: %v", names)
	}

	if err := store.DeleteNamespace(ctx, "portal", "shell-v1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	names, _ = store.Namespaces(ctx, "portal")
	if len(names) != 1 || names[0] != "shell-v2" {
		t.Fatalf("namespace should be gone: %v", names)
	}

	old := Locator{Origin: "portal", Namespace: "shell-v1", URL: "https://portal.example.org/"}
	if _, err := store.Get(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted entry should miss, got %v", err)
	}
	if _, err := store.Put(ctx, old, Snapshot{StatusCode: 200}); !errors.Is(err, ErrNamespaceEvicted) {
		t.Fatalf("write into evicted namespace should fail, got %v", err)
	}

	fs := store.(*fileStore)
	leftovers, _ := filepath.Glob(filepath.Join(fs.basePath, "portal", evictingPrefix+"*"))
	if len(leftovers) != 0 {
		t.Fatalf("eviction should not leave trash dirs: %v", leftovers)
	}

	if err := store.Prepare(ctx, "portal", "shell-v1"); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	if _, err := store.Put(ctx, old, Snapshot{StatusCode: 200}); err != nil {
		t.Fatalf("prepared namespace should accept writes: %v", err)
	}
}

func TestStoreDeleteMissingNamespace(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteNamespace(context.Background(), "portal", "never"); err != nil {
		t.Fatalf("deleting a missing namespace should be a no-op, got %v", err)
	}
}

func TestStoreStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, u := range []string{"https://portal.example.org/a", "https://portal.example.org/b"} {
		locator := Locator{Origin: "portal", Namespace: "shell-v1", URL: u}
		if _, err := store.Put(ctx, locator, Snapshot{StatusCode: 200, Body: []byte("1234")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	stats, err := store.Stats(ctx, "portal", "shell-v1")
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.Entries != 2 || stats.SizeBytes != 8 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStoreConcurrentOverwriteStaysConsistent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	locator := Locator{Origin: "portal", Namespace: "shell-v1", URL: "https://portal.example.org/race"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := make([]byte, n+1)
			_, _ = store.Put(ctx, locator, Snapshot{StatusCode: 200, Body: body})
		}(i)
	}
	wg.Wait()

	entry, err := store.Get(ctx, locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if int64(len(entry.Snapshot.Body)) != entry.Snapshot.SizeBytes {
		t.Fatalf("body/meta mismatch: %d vs %d", len(entry.Snapshot.Body), entry.Snapshot.SizeBytes)
	}
}

func TestGenerationEvictOthers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, ns := range []string{"shell-v1", "shell-v2", "shell-v3"} {
		gen := NewGeneration(store, "portal", ns)
		if _, err := gen.Put(ctx, Snapshot{Method: http.MethodGet, URL: "https://portal.example.org/", StatusCode: 200}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	current := NewGeneration(store, "portal", "shell-v3")
	evicted, err := current.EvictOthers(ctx)
	if err != nil {
		t.Fatalf("evict error: %v", err)
	}
	if len(evicted) != 2 {
		t.Fatalf("expected two evicted namespaces, got %v", evicted)
	}
	names, _ := store.Namespaces(ctx, "portal")
	if len(names) != 1 || names[0] != "shell-v3" {
		t.Fatalf("only current namespace should remain: %v", names)
	}
	if _, err := current.Get(ctx, http.MethodGet, "https://portal.example.org/"); err != nil {
		t.Fatalf("current generation entry should survive: %v", err)
	}
}

func TestGenerationWithoutStore(t *testing.T) {
	gen := NewGeneration(nil, "portal", "shell-v1")
	if gen.Enabled() {
		t.Fatalf("generation without store should be disabled")
	}
	if _, err := gen.Get(context.Background(), http.MethodGet, "https://portal.example.org/"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
