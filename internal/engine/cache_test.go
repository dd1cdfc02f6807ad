package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type cachedMeta struct {
	ID    string
	Title string
}

func TestCacheKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		k1 := CacheKey("view", "BV1xx411c7mD")
		k2 := CacheKey("view", "BV1xx411c7mD")
		if k1 != k2 {
			t.Errorf("CacheKey not deterministic: %q != %q", k1, k2)
		}
	})

	t.Run("different inputs differ", func(t *testing.T) {
		k1 := CacheKey("view", "BV1xx411c7mD")
		k2 := CacheKey("view", "BV1yy411c7mD")
		if k1 == k2 {
			t.Errorf("different inputs produced same key: %q", k1)
		}
	})

	t.Run("has prefix", func(t *testing.T) {
		k := CacheKey("test")
		if k[:3] != "gb:" {
			t.Errorf("expected gb: prefix, got %q", k[:3])
		}
	})
}

func TestCacheJSONRoundTrip(t *testing.T) {
	InitCache("", time.Minute, 100, 5*time.Minute)

	ctx := context.Background()
	key := CacheKey("test", "round-trip")

	if _, ok := CacheGetJSON[cachedMeta](ctx, key); ok {
		t.Error("expected cache miss on empty cache")
	}

	CacheSetJSON(ctx, key, cachedMeta{ID: "BV1", Title: "hello"}, 0)

	got, ok := CacheGetJSON[cachedMeta](ctx, key)
	if !ok {
		t.Fatal("expected cache hit after set")
	}
	if got.Title != "hello" {
		t.Errorf("got title %q, want %q", got.Title, "hello")
	}
}

func TestCacheExpiration(t *testing.T) {
	InitCache("", time.Minute, 100, 5*time.Minute)

	ctx := context.Background()
	key := CacheKey("test", "expiry")

	CacheSetJSON(ctx, key, cachedMeta{ID: "tmp"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := CacheGetJSON[cachedMeta](ctx, key); ok {
		t.Error("expected cache miss after TTL expiry")
	}
}

func TestCacheEviction(t *testing.T) {
	InitCache("", time.Minute, 3, 5*time.Minute)

	ctx := context.Background()
	for i := range 5 {
		CacheSetJSON(ctx, CacheKey("evict", fmt.Sprint(i)), cachedMeta{ID: fmt.Sprint(i)}, 0)
		time.Sleep(time.Millisecond)
	}

	count := 0
	briefCache.l1.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count > 3 {
		t.Errorf("expected at most 3 entries after eviction, got %d", count)
	}
	if _, ok := CacheGetJSON[cachedMeta](ctx, CacheKey("evict", "4")); !ok {
		t.Error("newest entry should survive eviction")
	}
}
