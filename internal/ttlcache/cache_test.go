package ttlcache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestCacheGetSet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](time.Minute, 0, clock)

	if _, ok := c.Get("a"); ok {
		t.Fatal("Get on empty cache should miss")
	}

	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", v, ok)
	}
}

func TestCacheExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string, int](time.Minute, 0, clock)

	c.Set("a", 1)
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Error("entry should still be valid before ttl")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get("a"); ok {
		t.Error("entry should be expired after ttl")
	}
}

func TestCacheDisabled(t *testing.T) {
	c := New[string, int](0, 0, clockwork.NewFakeClock())
	c.Set("a", 1)
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for disabled cache", c.Len())
	}
}

func TestCacheEvictsWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[int, int](time.Minute, 2, clock)

	c.Set(1, 1)
	clock.Advance(time.Second)
	c.Set(2, 2)
	clock.Advance(time.Second)
	c.Set(3, 3)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("newest entry should be present")
	}
}

func TestCacheEvictsExpiredFirst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[int, int](time.Minute, 2, clock)

	c.Set(1, 1)
	c.Set(2, 2)
	clock.Advance(2 * time.Minute)
	c.Set(3, 3)

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after expired sweep", c.Len())
	}
}

func TestCacheClear(t *testing.T) {
	c := New[string, int](time.Minute, 0, clockwork.NewFakeClock())
	c.Set("a", 1)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}
