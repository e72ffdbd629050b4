package storage

import (
	"strconv"
	"testing"
)

func newTestCache(t *testing.T, label string) *Cache[string, int] {
	t.Helper()
	dir := t.TempDir()
	c := NewCache[string, int](dir, func(k string) string { return k }, label)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func alwaysDirty(_ *CacheEntry[string, int], _ int) bool { return true }
func neverDirty(_ *CacheEntry[string, int], _ int) bool  { return false }

func TestCacheWriteReadRoundTrip(t *testing.T) {
	c := newTestCache(t, "ints")

	if err := c.Write("a", 1, alwaysDirty, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	v, err := c.Read("a")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if v != 1 {
		t.Errorf("got %d, want 1", v)
	}
}

func TestCacheReadOptionalMissing(t *testing.T) {
	c := newTestCache(t, "ints")

	v, err := c.ReadOptional("missing")
	if err != nil {
		t.Fatalf("ReadOptional failed: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil, got %v", *v)
	}
}

func TestCacheReadMissingReturnsNotFound(t *testing.T) {
	c := newTestCache(t, "ints")

	if _, err := c.Read("missing"); err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestCacheWriteNoOverwriteReturnsDuplicate(t *testing.T) {
	c := newTestCache(t, "ints")

	if err := c.Write("a", 1, alwaysDirty, true); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := c.Write("a", 2, alwaysDirty, false); err == nil {
		t.Fatal("expected Duplicate error on overwrite=false")
	}
}

func TestCacheWritePreservesCreatedAt(t *testing.T) {
	c := newTestCache(t, "ints")

	if err := c.Write("a", 1, alwaysDirty, true); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	first, err := c.ReadEntry("a", false)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}

	if err := c.Write("a", 2, alwaysDirty, true); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	second, err := c.ReadEntry("a", false)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}

	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("created_at changed across overwrite: %v != %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Value != 2 {
		t.Errorf("expected updated value 2, got %d", second.Value)
	}
}

func TestCacheIsDirtyFuncGatesFlag(t *testing.T) {
	c := newTestCache(t, "ints")

	if err := c.Write("a", 1, neverDirty, true); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	entry, err := c.ReadEntry("a", false)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	if entry.IsDirty {
		t.Error("expected entry not dirty")
	}

	dirty, err := c.GetDirtyEntries()
	if err != nil {
		t.Fatalf("GetDirtyEntries failed: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("expected no dirty entries, got %d", len(dirty))
	}
}

func TestCacheGetDirtyEntries(t *testing.T) {
	c := newTestCache(t, "ints")

	if err := c.Write("a", 1, alwaysDirty, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Write("b", 2, neverDirty, true); err != nil {
		t.Fatal(err)
	}

	dirty, err := c.GetDirtyEntries()
	if err != nil {
		t.Fatalf("GetDirtyEntries failed: %v", err)
	}
	if len(dirty) != 1 || dirty[0].Key != "a" {
		t.Errorf("got %+v, want exactly entry a", dirty)
	}
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(t, "ints")

	if err := c.Write("a", 1, alwaysDirty, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Read("a"); err == nil {
		t.Fatal("expected NotFound after delete")
	}
	// delete of a missing key is a no-op
	if err := c.Delete("a"); err != nil {
		t.Errorf("Delete on missing key should be idempotent, got: %v", err)
	}
}

func TestCacheFindOneAmbiguous(t *testing.T) {
	c := newTestCache(t, "ints")

	for i := 0; i < 3; i++ {
		if err := c.Write(strconv.Itoa(i), 5, alwaysDirty, true); err != nil {
			t.Fatal(err)
		}
	}

	_, err := c.FindOne("all fives", func(v int) bool { return v == 5 })
	if err == nil {
		t.Fatal("expected AmbiguousResult error")
	}
}

func TestCacheFindOneOptionalNoMatch(t *testing.T) {
	c := newTestCache(t, "ints")

	v, err := c.FindOneOptional("sevens", func(v int) bool { return v == 7 })
	if err != nil {
		t.Fatalf("FindOneOptional failed: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil, got %v", *v)
	}
}

func TestCacheSizeAndPrune(t *testing.T) {
	c := newTestCache(t, "ints")

	for i := 0; i < 5; i++ {
		if err := c.Write(strconv.Itoa(i), i, alwaysDirty, true); err != nil {
			t.Fatal(err)
		}
	}

	size, err := c.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 5 {
		t.Fatalf("got size %d, want 5", size)
	}

	if err := c.Prune(3); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	size, err = c.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 3 {
		t.Errorf("got size %d after prune, want 3", size)
	}
}

func TestCacheShutdownRejectsFurtherSends(t *testing.T) {
	dir := t.TempDir()
	c := NewCache[string, int](dir, func(k string) string { return k }, "ints")

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := c.Write("a", 1, alwaysDirty, true); err == nil {
		t.Fatal("expected SendActorMessage error after shutdown")
	}
}
