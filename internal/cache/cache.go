// Package cache implements the Cache backing service (C1): a Redis-backed,
// TTL-scoped cache-aside layer for embeddings, query expansions, and
// search results. Cache failures never surface to the caller — a miss
// and an error are treated identically, falling through to the
// authoritative computation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keyspace namespaces, matching §3/§6.4's cache key prefixes.
const (
	KeyspaceEmbedding = "emb:"
	KeyspaceExpansion = "qexp:"
	KeyspaceSearch    = "search:"
)

// Cache wraps a Redis client. A nil *Cache is valid and behaves as an
// always-miss cache, so callers that construct one optionally (e.g. when
// REDIS_URL is unset) don't need a separate code path.
type Cache struct {
	client *redis.Client
}

// New connects to Redis at addr and verifies it is reachable.
func New(ctx context.Context, addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: connecting to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// Ping verifies the Redis connection is still reachable, for /healthz. A
// nil *Cache reports itself unreachable rather than panicking, since the
// rest of this type treats a nil receiver as a valid always-miss cache.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("cache: not configured")
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// GetEmbedding returns a cached embedding for contentHash, or ok=false on
// a miss or any cache error.
func (c *Cache) GetEmbedding(ctx context.Context, contentHash string) (vector []float32, ok bool) {
	return getJSON[[]float32](c, ctx, KeyspaceEmbedding+contentHash)
}

// SetEmbedding caches an embedding. Failures are logged and swallowed.
func (c *Cache) SetEmbedding(ctx context.Context, contentHash string, vector []float32, ttl time.Duration) {
	setJSON(c, ctx, KeyspaceEmbedding+contentHash, vector, ttl)
}

// Expansion mirrors a query expansion result for the expansion cache, so
// a cache hit returns the model's real intent and reasoning rather than
// just the sub-questions.
type Expansion struct {
	Intent       string   `json:"intent"`
	SubQuestions []string `json:"sub_questions"`
	Reasoning    string   `json:"reasoning"`
}

// GetExpansion returns a cached expansion for a query, or ok=false on miss.
func (c *Cache) GetExpansion(ctx context.Context, queryHash string) (expansion Expansion, ok bool) {
	return getJSON[Expansion](c, ctx, KeyspaceExpansion+queryHash)
}

// SetExpansion caches a query's expansion.
func (c *Cache) SetExpansion(ctx context.Context, queryHash string, expansion Expansion, ttl time.Duration) {
	setJSON(c, ctx, KeyspaceExpansion+queryHash, expansion, ttl)
}

// SearchResult mirrors a single retrieval hit for the search result cache.
type SearchResult struct {
	FileID     string  `json:"file_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// GetSearch returns a cached set of retrieval hits for a (query, file set)
// key, or ok=false on miss.
func (c *Cache) GetSearch(ctx context.Context, key string) (results []SearchResult, ok bool) {
	return getJSON[[]SearchResult](c, ctx, KeyspaceSearch+key)
}

// SetSearch caches a set of retrieval hits.
func (c *Cache) SetSearch(ctx context.Context, key string, results []SearchResult, ttl time.Duration) {
	setJSON(c, ctx, KeyspaceSearch+key, results, ttl)
}

// InvalidateFile drops every cached search result touching fileID. Search
// keys are built as "search:<fileID>:<queryHash>" so a prefix scan finds
// them all.
func (c *Cache) InvalidateFile(ctx context.Context, fileID string) {
	if c == nil || c.client == nil {
		return
	}
	pattern := KeyspaceSearch + fileID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache invalidate scan failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidate delete failed", "error", err)
	}
}

func getJSON[T any](c *Cache, ctx context.Context, key string) (val T, ok bool) {
	if c == nil || c.client == nil {
		return val, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		// redis.Nil is a miss; any other error is soft-failed identically.
		return val, false
	}
	if err := json.Unmarshal(raw, &val); err != nil {
		slog.Warn("cache value corrupt, treating as miss", "key", key, "error", err)
		return val, false
	}
	return val, true
}

func setJSON[T any](c *Cache, ctx context.Context, key string, val T, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(val)
	if err != nil {
		slog.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		slog.Warn("cache set failed", "key", key, "error", err)
	}
}
