package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

type cacheFactory func(t *testing.T, capacity int) Cache

func memoryFactory(_ *testing.T, capacity int) Cache {
	return NewMemoryCache(capacity)
}

func redisFactory(t *testing.T, capacity int) Cache {
	s := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+s.Addr(), "test:dedup", capacity)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

var factories = map[string]cacheFactory{
	"memory": memoryFactory,
	"redis":  redisFactory,
}

func mustSeen(t *testing.T, c Cache, id string) bool {
	t.Helper()
	seen, err := c.Seen(context.Background(), id)
	if err != nil {
		t.Fatalf("Seen(%q) failed: %v", id, err)
	}
	return seen
}

func mustRecord(t *testing.T, c Cache, id string) {
	t.Helper()
	if err := c.Record(context.Background(), id); err != nil {
		t.Fatalf("Record(%q) failed: %v", id, err)
	}
}

func TestRecordThenSeen(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			c := factory(t, 4)
			if mustSeen(t, c, "patch-1") {
				t.Fatal("unrecorded id reported as seen")
			}
			mustRecord(t, c, "patch-1")
			if !mustSeen(t, c, "patch-1") {
				t.Fatal("recorded id not reported as seen")
			}
		})
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 3
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			c := factory(t, capacity)
			for i := 0; i <= capacity; i++ {
				mustRecord(t, c, fmt.Sprintf("id-%d", i))
			}
			if mustSeen(t, c, "id-0") {
				t.Fatal("oldest id should have been evicted")
			}
			for i := 1; i <= capacity; i++ {
				if !mustSeen(t, c, fmt.Sprintf("id-%d", i)) {
					t.Fatalf("id-%d should still be tracked", i)
				}
			}
		})
	}
}

func TestRecordRefreshesRecency(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			c := factory(t, 2)
			mustRecord(t, c, "a")
			mustRecord(t, c, "b")
			mustRecord(t, c, "a")
			mustRecord(t, c, "c")

			if mustSeen(t, c, "b") {
				t.Fatal("b should be evicted after a was refreshed")
			}
			if !mustSeen(t, c, "a") || !mustSeen(t, c, "c") {
				t.Fatal("a and c should be tracked")
			}
		})
	}
}

func TestRecordDoesNotDuplicate(t *testing.T) {
	mem := NewMemoryCache(5)
	mustRecord(t, mem, "a")
	mustRecord(t, mem, "a")
	if got := mem.Len(); got != 1 {
		t.Fatalf("memory Len() = %d, want 1", got)
	}

	s := miniredis.RunT(t)
	rc, err := NewRedisCache("redis://"+s.Addr(), "", 5)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer rc.Close()
	mustRecord(t, rc, "a")
	mustRecord(t, rc, "a")
	n, err := rc.Len(context.Background())
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("redis Len() = %d, want 1", n)
	}
}

func TestDefaultCapacity(t *testing.T) {
	c := NewMemoryCache(0)
	for i := 0; i < DefaultCapacity+1; i++ {
		mustRecord(t, c, fmt.Sprintf("id-%d", i))
	}
	if got := c.Len(); got != DefaultCapacity {
		t.Fatalf("Len() = %d, want %d", got, DefaultCapacity)
	}
}

func TestNewRedisCacheBadURL(t *testing.T) {
	if _, err := NewRedisCache("not-a-url", "", 10); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRedisCacheUnavailable(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+s.Addr(), "", 10)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer c.Close()

	s.Close()
	if _, err := c.Seen(context.Background(), "a"); err == nil {
		t.Fatal("expected error once redis is gone")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error once redis is gone")
	}
}
