package modcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCache_GetOnEmptyCacheIsMiss(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, ok, err := c.Get("example/mod", "1.0.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Errorf("Get on empty cache reported a hit")
	}
}

func TestCache_GetOrFetchWritesThenGetHits(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	fetch := func(module, version string) (string, []string, error) {
		calls++
		return "export fn main() {}", []string{"main"}, nil
	}

	e, err := c.GetOrFetch("example/mod", "1.0.0", fetch)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if e.Source != "export fn main() {}" || len(e.Exports) != 1 {
		t.Errorf("GetOrFetch() entry = %+v, unexpected", e)
	}

	got, ok, err := c.Get("example/mod", "1.0.0")
	if err != nil || !ok {
		t.Fatalf("Get after fetch: ok=%v err=%v", ok, err)
	}
	if got.Source != e.Source {
		t.Errorf("Get() returned a different entry than GetOrFetch wrote")
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
}

func TestCache_GetOrFetchDoesNotRefetchOnSecondCall(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var calls int32
	fetch := func(module, version string) (string, []string, error) {
		atomic.AddInt32(&calls, 1)
		return "src", nil, nil
	}

	if _, err := c.GetOrFetch("m", "1.0.0", fetch); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if _, err := c.GetOrFetch("m", "1.0.0", fetch); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times across two GetOrFetch calls, want 1", calls)
	}
}

func TestCache_GetOrFetchIsAtMostOncePerKeyUnderConcurrency(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var calls int32
	fetch := func(module, version string) (string, []string, error) {
		atomic.AddInt32(&calls, 1)
		return "src", nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrFetch("concurrent/mod", "2.0.0", fetch); err != nil {
				t.Errorf("GetOrFetch: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("fetch called %d times across 20 concurrent GetOrFetch calls, want 1", calls)
	}
}

func TestCache_GetOrFetchPropagatesFetcherError(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fetchErr := fmt.Errorf("network unreachable")
	_, err = c.GetOrFetch("m", "1.0.0", func(string, string) (string, []string, error) {
		return "", nil, fetchErr
	})
	if err == nil {
		t.Fatalf("GetOrFetch err = nil, want the fetcher's error surfaced")
	}
}

func TestCache_DifferentVersionsAreDistinctEntries(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.GetOrFetch("m", "1.0.0", func(string, string) (string, []string, error) {
		return "v1", nil, nil
	}); err != nil {
		t.Fatalf("GetOrFetch v1: %v", err)
	}
	if _, err := c.GetOrFetch("m", "2.0.0", func(string, string) (string, []string, error) {
		return "v2", nil, nil
	}); err != nil {
		t.Fatalf("GetOrFetch v2: %v", err)
	}

	e1, _, _ := c.Get("m", "1.0.0")
	e2, _, _ := c.Get("m", "2.0.0")
	if e1.Source == e2.Source {
		t.Errorf("entries for different versions collapsed to the same source")
	}
}

func TestEntry_HashIsStableAndContentDependent(t *testing.T) {
	e1 := &Entry{Module: "m", Version: "1.0.0", Source: "a"}
	e2 := &Entry{Module: "m", Version: "1.0.0", Source: "a"}
	e3 := &Entry{Module: "m", Version: "1.0.0", Source: "b"}

	if e1.Hash() != e2.Hash() {
		t.Errorf("Hash() not stable across identical entries")
	}
	if e1.Hash() == e3.Hash() {
		t.Errorf("Hash() identical despite different source content")
	}
}

func TestCache_CorruptEntryFileIsDetected(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.GetOrFetch("m", "1.0.0", func(string, string) (string, []string, error) {
		return "src", nil, nil
	}); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var path string
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) == ".mlmc" {
			path = filepath.Join(dir, ent.Name())
		}
	}
	if path == "" {
		t.Fatalf("no .mlmc entry file found in %s", dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := c.Get("m", "1.0.0"); err == nil {
		t.Fatalf("Get() on a tampered entry file err = nil, want a hash-mismatch error")
	}
}
