// Package expander implements the Query Expander (C8): it rewrites a
// user query into an intent label plus 3-5 sub-questions that broaden
// retrieval, staying strictly out of the answer-generation path so it
// cannot itself introduce ungrounded claims (§4.2).
package expander

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/docqa/ragserve/internal/cache"
	"github.com/docqa/ragserve/llm"
)

const systemPrompt = `You expand a user's question into search queries. Respond with a JSON object only, no prose, matching exactly:
{"intent": "<short label>", "sub_questions": ["<3 to 5 short search queries>"], "reasoning": "<one sentence>"}
The sub_questions must stay strictly about broadening retrieval of the user's own question; never answer it.`

const retryPrompt = `Your previous response did not parse as the required JSON object. Respond again with ONLY the JSON object {"intent":string,"sub_questions":[3 to 5 strings],"reasoning":string}, no markdown fences, no other text.`

// Expansion is the product of Expand, matching §3's QueryExpansion.
type Expansion struct {
	OriginalQuery string   `json:"original_query"`
	Intent        string   `json:"intent"`
	SubQuestions  []string `json:"sub_questions"`
	Reasoning     string   `json:"reasoning"`
	CacheHit      bool     `json:"cache_hit"`
	ElapsedMillis int64    `json:"elapsed_ms"`
}

// Expander calls an LLM to expand queries, caching successful expansions.
type Expander struct {
	provider llm.Provider
	model    string
	cache    *cache.Cache
	ttl      time.Duration
}

// New constructs an Expander. cache may be nil (cold path only).
func New(provider llm.Provider, model string, c *cache.Cache, ttl time.Duration) *Expander {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Expander{provider: provider, model: model, cache: c, ttl: ttl}
}

// CacheKey computes §4.2's cache key: SHA-256 of NFKC-folded, trimmed,
// lowercased query plus locale.
func CacheKey(query, locale string) string {
	folded := norm.NFKC.String(strings.ToLower(strings.TrimSpace(query)))
	sum := sha256.Sum256([]byte(folded + "|" + locale))
	return hex.EncodeToString(sum[:])
}

// Expand produces an Expansion for query, consulting the cache first.
func (e *Expander) Expand(ctx context.Context, query, locale string) (Expansion, error) {
	start := time.Now()
	key := CacheKey(query, locale)

	if e.cache != nil {
		if cached, ok := e.cache.GetExpansion(ctx, key); ok {
			return Expansion{
				OriginalQuery: query,
				Intent:        cached.Intent,
				SubQuestions:  cached.SubQuestions,
				Reasoning:     cached.Reasoning,
				CacheHit:      true,
				ElapsedMillis: time.Since(start).Milliseconds(),
			}, nil
		}
	}

	degenerate := false
	parsed, err := e.call(ctx, query, systemPrompt)
	if err != nil {
		parsed, err = e.call(ctx, query, retryPrompt)
	}
	if err != nil {
		slog.Warn("expander: falling back to degenerate expansion", "error", err)
		parsed = rawExpansion{Intent: "direct", SubQuestions: []string{query}}
		degenerate = true
	}

	subs := parsed.SubQuestions
	if !degenerate {
		subs = validSubQuestions(subs, query)
	}
	if e.cache != nil && !degenerate {
		e.cache.SetExpansion(ctx, key, cache.Expansion{
			Intent: parsed.Intent, SubQuestions: subs, Reasoning: parsed.Reasoning,
		}, e.ttl)
	}

	return Expansion{
		OriginalQuery: query,
		Intent:        parsed.Intent,
		SubQuestions:  subs,
		Reasoning:     parsed.Reasoning,
		ElapsedMillis: time.Since(start).Milliseconds(),
	}, nil
}

type rawExpansion struct {
	Intent       string   `json:"intent"`
	SubQuestions []string `json:"sub_questions"`
	Reasoning    string   `json:"reasoning"`
}

func (e *Expander) call(ctx context.Context, query, instruction string) (rawExpansion, error) {
	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: "system", Content: instruction},
			{Role: "user", Content: query},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return rawExpansion{}, fmt.Errorf("expander: chat call: %w", err)
	}

	var parsed rawExpansion
	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return rawExpansion{}, fmt.Errorf("expander: parsing expansion JSON: %w", err)
	}
	if len(parsed.SubQuestions) < 1 {
		return rawExpansion{}, fmt.Errorf("expander: expansion has no sub_questions")
	}
	return parsed, nil
}

// validSubQuestions clamps the model's sub-questions to 3-5 non-empty
// entries, padding with the original query if the model returned fewer
// than 3 and truncating anything beyond 5.
func validSubQuestions(subs []string, original string) []string {
	var cleaned []string
	for _, s := range subs {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	for len(cleaned) < 3 {
		cleaned = append(cleaned, original)
	}
	if len(cleaned) > 5 {
		cleaned = cleaned[:5]
	}
	return cleaned
}
