package ragserve

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for the docqa server.
type Config struct {
	// SQLitePath is the full path to the metadata+session SQLite database.
	SQLitePath string `json:"sqlite_path"`

	Chat      LLMConfig `json:"chat"`
	Embedding LLMConfig `json:"embedding"`

	Redis  RedisConfig  `json:"redis"`
	Qdrant QdrantConfig `json:"qdrant"`

	MaxFileSize            int64   `json:"max_file_size"`
	ChunkingStrategy       string  `json:"chunking_strategy"` // "hierarchical" or "recursive"
	HierarchicalChunkSizes [3]int  `json:"hierarchical_chunk_sizes"`
	HierarchicalOverlap    int     `json:"hierarchical_overlap"`
	EmbeddingDimension     int     `json:"embedding_dimension"`
	ContextBudgetChars     int     `json:"context_budget_chars"`
	LLMTemperatureDefault  float64 `json:"llm_temperature_default"`
	LLMParallelism         int     `json:"llm_parallelism"`
	SSEHeartbeatSeconds    int     `json:"sse_heartbeat_seconds"`
	CacheTTLEmbeddingSecs  int     `json:"cache_ttl_embedding_seconds"`
	CacheTTLExpansionSecs  int     `json:"cache_ttl_expansion_seconds"`
	CacheTTLSearchSecs     int     `json:"cache_ttl_search_seconds"`
}

// LLMConfig configures a single OpenAI-compatible LLM endpoint.
type LLMConfig struct {
	Provider string `json:"provider"` // a llm.NewProvider name: "custom", "openai", "ollama", "lmstudio", "openrouter", "groq", "xai" or "gemini"
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// RedisConfig configures the Cache component (C1).
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// QdrantConfig configures the Vector Index component (C2).
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DefaultConfig returns a Config with sensible defaults for local inference
// against an OpenAI-compatible endpoint (llama.cpp, vLLM, Ollama's /v1 shim).
func DefaultConfig() Config {
	return Config{
		Chat: LLMConfig{
			Provider: "custom",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "custom",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Redis:                   RedisConfig{Addr: "localhost:6379"},
		Qdrant:                  QdrantConfig{Host: "localhost", Port: 6334},
		MaxFileSize:             52_428_800,
		ChunkingStrategy:        "hierarchical",
		HierarchicalChunkSizes:  [3]int{2000, 1000, 500},
		HierarchicalOverlap:     200,
		EmbeddingDimension:      768,
		ContextBudgetChars:      6000,
		LLMTemperatureDefault:   0.7,
		LLMParallelism:          4,
		SSEHeartbeatSeconds:     15,
		CacheTTLEmbeddingSecs:   24 * 3600,
		CacheTTLExpansionSecs:   3600,
		CacheTTLSearchSecs:      1800,
	}
}

// resolveSQLitePath computes the final database path, defaulting to
// ~/.docqa/docqa.db when unset.
func (c *Config) resolveSQLitePath() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "docqa.db"
	}
	return filepath.Join(home, ".docqa", "docqa.db")
}

// ApplyEnv overrides c with the §6.5 environment variables; no other
// (e.g. DOCQA_*-prefixed) variables are read. Call after DefaultConfig
// and after any JSON config-file load, so the environment is the final
// layer.
func (c *Config) ApplyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	i64 := func(key string, dst *int64) {
		if v := getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	i := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	f := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}

	i64("MAX_FILE_SIZE", &c.MaxFileSize)
	str("CHUNKING_STRATEGY", &c.ChunkingStrategy)
	if v := getenv("HIERARCHICAL_CHUNK_SIZES"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			var sizes [3]int
			ok := true
			for idx, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil {
					ok = false
					break
				}
				sizes[idx] = n
			}
			if ok {
				c.HierarchicalChunkSizes = sizes
			}
		}
	}
	i("HIERARCHICAL_OVERLAP", &c.HierarchicalOverlap)
	i("EMBEDDING_DIMENSION", &c.EmbeddingDimension)
	i("CONTEXT_BUDGET_CHARS", &c.ContextBudgetChars)
	f("LLM_TEMPERATURE_DEFAULT", &c.LLMTemperatureDefault)
	i("LLM_PARALLELISM", &c.LLMParallelism)
	i("SSE_HEARTBEAT_SECONDS", &c.SSEHeartbeatSeconds)
	i("CACHE_TTL_EMBEDDING", &c.CacheTTLEmbeddingSecs)
	i("CACHE_TTL_EXPANSION", &c.CacheTTLExpansionSecs)
	i("CACHE_TTL_SEARCH", &c.CacheTTLSearchSecs)

	str("SQLITE_PATH", &c.SQLitePath)
	if v := getenv("LLM_BASE_URL"); v != "" {
		c.Chat.BaseURL = v
		c.Embedding.BaseURL = v
	}
	str("DEFAULT_LLM_MODEL", &c.Chat.Model)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	str("REDIS_URL", &c.Redis.Addr)

	if v := getenv("MILVUS_HOST"); v != "" {
		c.Qdrant.Host = v
	}
	if v := getenv("MILVUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Qdrant.Port = n
		}
	}
}
