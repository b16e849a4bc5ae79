package cache

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.now = clock.now.Add(duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func TestCacheExpiresEntriesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	store := New[string](Config{Clock: clock.Now})

	store.Set("k", "v", 100*time.Millisecond)
	value, ok := store.Get("k")
	if !ok || value != "v" {
		t.Fatalf("expected cached value, got %q (present=%v)", value, ok)
	}

	clock.Advance(101 * time.Millisecond)
	if _, ok := store.Get("k"); ok {
		t.Fatalf("expected entry to be absent after ttl")
	}
	if store.Has("k") {
		t.Fatalf("expected has to report false after ttl")
	}
}

func TestCacheEntryAliveAtExactExpiry(t *testing.T) {
	clock := newFakeClock()
	store := New[int](Config{Clock: clock.Now})

	store.Set("k", 1, time.Second)
	clock.Advance(time.Second)
	if !store.Has("k") {
		t.Fatalf("entry should only expire once now is past expiresAt")
	}
}

func TestCacheCountsHitsAndMisses(t *testing.T) {
	store := New[int](Config{})
	store.Set("a", 1, 0)
	store.Get("a")
	store.Get("a")
	store.Get("missing")
	store.Delete("a")
	store.Delete("a")

	stats := store.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("unexpected hit/miss counters: %+v", stats)
	}
	if stats.Sets != 1 || stats.Deletes != 1 {
		t.Fatalf("unexpected set/delete counters: %+v", stats)
	}
	if rate := stats.HitRate(); rate < 0.66 || rate > 0.67 {
		t.Fatalf("unexpected hit rate %f", rate)
	}
}

func TestCacheEvictsOldestTenthBeforeInsert(t *testing.T) {
	clock := newFakeClock()
	store := New[int](Config{MaxEntries: 20, Clock: clock.Now})

	for index := 0; index < 20; index++ {
		store.Set(fmt.Sprintf("key-%02d", index), index, time.Hour)
		clock.Advance(time.Millisecond)
	}
	// Reading old entries must not protect them: eviction follows creation time.
	store.Get("key-00")
	store.Get("key-01")

	store.Set("key-20", 20, time.Hour)

	if store.Len() != 19 {
		t.Fatalf("expected 2 evictions then 1 insert leaving 19 entries, got %d", store.Len())
	}
	for _, evicted := range []string{"key-00", "key-01"} {
		if store.Has(evicted) {
			t.Fatalf("expected %s to be evicted", evicted)
		}
	}
	if !store.Has("key-20") || !store.Has("key-02") {
		t.Fatalf("expected newer entries to survive eviction")
	}
	if store.Stats().Evictions != 2 {
		t.Fatalf("expected 2 evictions, got %d", store.Stats().Evictions)
	}
}

func TestCacheEvictsAtLeastOneEntry(t *testing.T) {
	store := New[int](Config{MaxEntries: 3})
	store.Set("a", 1, 0)
	store.Set("b", 2, 0)
	store.Set("c", 3, 0)
	store.Set("d", 4, 0)

	if store.Len() != 3 {
		t.Fatalf("expected capacity to hold at 3, got %d", store.Len())
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	store := New[int](Config{MaxEntries: 2})
	store.Set("a", 1, 0)
	store.Set("b", 2, 0)
	store.Set("a", 3, 0)

	if store.Len() != 2 {
		t.Fatalf("overwrite should not trigger eviction, len=%d", store.Len())
	}
	if value, _ := store.Get("a"); value != 3 {
		t.Fatalf("expected overwritten value, got %d", value)
	}
}

func TestCacheCleanupSweepsExpired(t *testing.T) {
	clock := newFakeClock()
	store := New[int](Config{Clock: clock.Now})
	store.Set("short", 1, time.Second)
	store.Set("long", 2, time.Hour)

	clock.Advance(2 * time.Second)
	if store.Len() != 2 {
		t.Fatalf("expired entries stay physically present until swept")
	}
	if removed := store.Cleanup(); removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}
	if store.Len() != 1 || !store.Has("long") {
		t.Fatalf("expected only the long-lived entry to remain")
	}
}

func TestCacheDeleteFunc(t *testing.T) {
	store := New[int](Config{})
	store.Set("messages:s1:", 1, 0)
	store.Set("messages:s1:cursor", 2, 0)
	store.Set("messages:s2:", 3, 0)

	removed := store.DeleteFunc(func(key string) bool {
		return key == "messages:s1:" || key == "messages:s1:cursor"
	})
	if removed != 2 || store.Len() != 1 {
		t.Fatalf("expected 2 removals leaving 1 entry, removed=%d len=%d", removed, store.Len())
	}
}
