package ragserve

import (
	"context"
	"fmt"
	"time"

	"github.com/docqa/ragserve/chunker"
	"github.com/docqa/ragserve/internal/cache"
	"github.com/docqa/ragserve/internal/expander"
	"github.com/docqa/ragserve/internal/ingest"
	"github.com/docqa/ragserve/internal/orchestrator"
	"github.com/docqa/ragserve/internal/promptasm"
	"github.com/docqa/ragserve/internal/ratelimit"
	"github.com/docqa/ragserve/internal/retriever"
	"github.com/docqa/ragserve/internal/vectorindex"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/parser"
	"github.com/docqa/ragserve/store"
)

// App wires every backing service and internal component named in
// §4's component design into one set of request-facing operations.
// It is the single object cmd/server constructs and holds for the
// lifetime of the process.
type App struct {
	cfg          Config
	Store        *store.Store
	Cache        *cache.Cache
	Vectors      *vectorindex.Index
	Chat         llm.Provider
	ChatStream   llm.StreamingProvider
	Embedder     llm.Provider
	Ingest       *ingest.Pipeline
	Orchestrator *orchestrator.Orchestrator
}

// New constructs an App from cfg, connecting to every backing service.
// Redis (Cache) is optional: a connection failure there degrades to a
// nil *Cache (always-miss) rather than failing startup, per §6.3's
// "best-effort" cache contract.
func New(ctx context.Context, cfg Config) (*App, error) {
	st, err := store.New(cfg.resolveSQLitePath())
	if err != nil {
		return nil, fmt.Errorf("ragserve: opening store: %w", err)
	}

	var c *cache.Cache
	if cfg.Redis.Addr != "" {
		c, err = cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			c = nil
		}
	}

	vectors, err := vectorindex.New(ctx, cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.EmbeddingDimension)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ragserve: connecting to vector index: %w", err)
	}

	chatProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider, Model: cfg.Chat.Model, BaseURL: cfg.Chat.BaseURL, APIKey: cfg.Chat.APIKey,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ragserve: constructing chat provider: %w", err)
	}
	streamingChat, ok := chatProvider.(llm.StreamingProvider)
	if !ok {
		st.Close()
		return nil, fmt.Errorf("ragserve: chat provider %q does not support streaming", cfg.Chat.Provider)
	}

	embedProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider, Model: cfg.Embedding.Model, BaseURL: cfg.Embedding.BaseURL, APIKey: cfg.Embedding.APIKey,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ragserve: constructing embedding provider: %w", err)
	}

	registry := parser.NewRegistry()
	ck := chunker.New(chunker.Config{Sizes: cfg.HierarchicalChunkSizes, Overlap: cfg.HierarchicalOverlap})
	embedTTL := time.Duration(cfg.CacheTTLEmbeddingSecs) * time.Second
	pipeline := ingest.New(registry, ck, embedProvider, c, st, vectors, embedTTL)

	exp := expander.New(chatProvider, cfg.Chat.Model, c, time.Duration(cfg.CacheTTLExpansionSecs)*time.Second)
	ret := retriever.New(embedProvider, vectors, st)
	asm := promptasm.New(cfg.ContextBudgetChars, promptasm.DefaultHistoryMessages)
	sem := ratelimit.NewSemaphore(cfg.LLMParallelism)
	orch := orchestrator.New(exp, ret, asm, streamingChat, cfg.Chat.Model, st, sem)

	return &App{
		cfg: cfg, Store: st, Cache: c, Vectors: vectors,
		Chat: chatProvider, ChatStream: streamingChat, Embedder: embedProvider,
		Ingest: pipeline, Orchestrator: orch,
	}, nil
}

// Config returns the configuration the App was constructed with.
func (a *App) Config() Config { return a.cfg }

// Close releases every backing-service connection the App owns.
func (a *App) Close() error {
	var err error
	if cerr := a.Store.Close(); cerr != nil {
		err = cerr
	}
	if verr := a.Vectors.Close(); verr != nil {
		err = verr
	}
	if cerr := a.Cache.Close(); cerr != nil {
		err = cerr
	}
	return err
}
