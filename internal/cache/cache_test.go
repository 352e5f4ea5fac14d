package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := New(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("connecting cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.GetEmbedding(ctx, "hash1"); ok {
		t.Fatal("expected miss before set")
	}

	vec := []float32{0.1, 0.2, 0.3}
	c.SetEmbedding(ctx, "hash1", vec, time.Minute)

	got, ok := c.GetEmbedding(ctx, "hash1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(got) != len(vec) {
		t.Fatalf("vector length: got %d, want %d", len(got), len(vec))
	}
}

func TestExpansionCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	subs := []string{"what is X", "how does X work"}
	c.SetExpansion(ctx, "qhash1", Expansion{SubQuestions: subs}, time.Minute)

	got, ok := c.GetExpansion(ctx, "qhash1")
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got.SubQuestions) != 2 {
		t.Fatalf("expected 2 sub-questions, got %d", len(got.SubQuestions))
	}
}

func TestSearchCacheInvalidation(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	results := []SearchResult{{FileID: "file_1", ChunkIndex: 0, Content: "hello", Score: 0.9}}
	c.SetSearch(ctx, "file_1:qhash", results, time.Minute)

	if _, ok := c.GetSearch(ctx, "file_1:qhash"); !ok {
		t.Fatal("expected hit before invalidation")
	}

	c.InvalidateFile(ctx, "file_1")

	if _, ok := c.GetSearch(ctx, "file_1:qhash"); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestNilCacheIsAlwaysMiss(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	if _, ok := c.GetEmbedding(ctx, "any"); ok {
		t.Fatal("expected nil cache to always miss")
	}
	c.SetEmbedding(ctx, "any", []float32{1}, time.Minute) // must not panic
	c.InvalidateFile(ctx, "any")                          // must not panic
}
