package lru

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New[int, string](2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, evicted := c.Put(1, "a"); evicted {
		t.Fatal("unexpected eviction on first put")
	}
	if _, evicted := c.Put(2, "b"); evicted {
		t.Fatal("unexpected eviction on second put")
	}
	if v, ok := c.Get(1); !ok || v != "a" {
		t.Fatalf("expected a, got %q %v", v, ok)
	}

	e, evicted := c.Put(3, "c")
	if !evicted {
		t.Fatal("expected an eviction at capacity")
	}
	if diff := cmp.Diff(Entry[int, string]{Key: 2, Value: "b"}, e); diff != "" {
		t.Fatalf("evicted entry mismatch (-want +got):\n%s", diff)
	}

	if _, ok := c.Get(2); ok {
		t.Fatal("key 2 should be gone")
	}
	for _, k := range []int{1, 3} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("key %d should remain", k)
		}
	}
}

func TestPutExistingKeyUpdatesWithoutEviction(t *testing.T) {
	c, _ := New[string, int](2)
	c.Put("x", 1)
	c.Put("y", 2)

	if _, evicted := c.Put("x", 10); evicted {
		t.Fatal("updating a key must not evict")
	}
	if v, _ := c.Peek("x"); v != 10 {
		t.Fatalf("expected updated value 10, got %d", v)
	}
	// x is now most recent, so y goes next.
	e, _ := c.Put("z", 3)
	if e.Key != "y" {
		t.Fatalf("expected y evicted, got %q", e.Key)
	}
}

func TestRemoveIsNotReportedAsEviction(t *testing.T) {
	c, _ := New[int, int](2)
	c.Put(1, 1)
	if !c.Remove(1) {
		t.Fatal("expected key 1 to be present")
	}
	if c.Remove(1) {
		t.Fatal("expected key 1 to be gone")
	}
	c.Put(2, 2)
	if _, evicted := c.Put(3, 3); evicted {
		t.Fatal("cache below capacity must not evict")
	}
	if got := c.Stats().Evictions; got != 0 {
		t.Fatalf("expected 0 evictions, got %d", got)
	}
}

func TestKeysAndStats(t *testing.T) {
	c, _ := New[int, int](3)
	for i := 1; i <= 3; i++ {
		c.Put(i, i*i)
	}
	c.Get(1)
	c.Get(9)

	if diff := cmp.Diff([]int{2, 3, 1}, c.Keys()); diff != "" {
		t.Fatalf("key order mismatch (-want +got):\n%s", diff)
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Len != 3 || s.Capacity != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.HitRate() != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", s.HitRate())
	}
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New[int, int](0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}
