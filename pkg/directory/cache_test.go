package directory

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCacheStoreAndLoadFresh(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, nil)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	data := []byte("r test fingerprint\ns Running Valid\n")
	if err := c.Store("consensus", data, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, fresh, ok := c.Load("consensus")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !fresh {
		t.Error("expected entry to still be fresh")
	}
	if string(got) != string(data) {
		t.Errorf("Load() = %q, want %q", got, data)
	}
}

func TestCacheLoadExpired(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewCache(dir, nil)

	data := []byte("r test\n")
	if err := c.Store("consensus", data, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	_, fresh, ok := c.Load("consensus")
	if !ok {
		t.Fatal("expected cache hit even though expired")
	}
	if fresh {
		t.Error("expected entry to be stale")
	}
}

func TestCacheLoadMiss(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewCache(dir, nil)

	if _, _, ok := c.Load("consensus"); ok {
		t.Error("expected cache miss on empty cache")
	}
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c1, _ := NewCache(dir, nil)
	data := []byte("r persisted\n")
	if err := c1.Store("consensus", data, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	c2, err := NewCache(dir, nil)
	if err != nil {
		t.Fatalf("reopening cache failed: %v", err)
	}
	got, fresh, ok := c2.Load("consensus")
	if !ok || !fresh {
		t.Fatal("expected reopened cache to see the stored entry")
	}
	if string(got) != string(data) {
		t.Errorf("Load() after reopen = %q, want %q", got, data)
	}
}

func TestCacheSweepRemovesUnreferencedBlobs(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewCache(dir, nil)

	if err := c.Store("consensus", []byte("v1"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Store v1 failed: %v", err)
	}
	// Overwrite with v2: v1's blob is now unreferenced by the index.
	if err := c.Store("consensus", []byte("v2"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Store v2 failed: %v", err)
	}

	if err := c.Sweep(0); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, _, ok := c.Load("consensus")
	if !ok || string(got) != "v2" {
		t.Error("expected current entry to survive Sweep")
	}

	entries, err := filepath.Glob(filepath.Join(dir, "*.blob"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly 1 surviving blob after sweep, got %d", len(entries))
	}
}
