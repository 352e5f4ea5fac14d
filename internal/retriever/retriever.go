// Package retriever implements the Retriever (C9): it fans a set of
// queries out across the accessible files' vector partitions and full
// text index, merges the hits by identity, and ranks by similarity.
//
// Per this repo's Open Question decision (see DESIGN.md), hits are
// deduplicated by (file_id, chunk_index): when only one source matched a
// chunk its (normalized) score is kept as-is; when both matched, the
// vector hit's score wins, since cosine similarity is the more reliable
// relevance signal of the two. FTS5's unbounded BM25-derived rank is
// squashed into the same (0,1) scale as cosine similarity before any
// comparison happens, so neither source can dominate by raw magnitude
// alone — no reciprocal-rank fusion, no cross-level rescoring.
package retriever

import (
	"context"
	"fmt"
	"sort"

	"github.com/docqa/ragserve/internal/vectorindex"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/store"
)

// Hit is a single retrieved chunk, ready for prompt assembly.
type Hit struct {
	FileID     string
	ChunkIndex int
	Content    string
	Score      float64
	Metadata   string
}

// vectorSearcher is the subset of *vectorindex.Index the Retriever needs;
// declaring it here lets tests substitute a fake without a live Qdrant.
type vectorSearcher interface {
	Search(ctx context.Context, vector []float32, fileIDs []string, limit int) ([]vectorindex.Hit, error)
}

// chunkStore is the subset of *store.Store the Retriever needs.
type chunkStore interface {
	FTSSearch(ctx context.Context, query string, fileIDs []string, limit int) ([]store.RetrievalResult, error)
	GetChunk(ctx context.Context, fileID string, chunkIndex int) (*store.Chunk, error)
}

// Retriever combines the Vector Index and Metadata Store's FTS5 index
// into one hybrid search.
type Retriever struct {
	embedder llm.Provider
	index    vectorSearcher
	store    chunkStore
}

// New constructs a Retriever.
func New(embedder llm.Provider, index vectorSearcher, st chunkStore) *Retriever {
	return &Retriever{embedder: embedder, index: index, store: st}
}

// Retrieve implements §4.3's algorithm: embed every query in one batch,
// search each query vector against the union of fileIDs' partitions,
// run an FTS5 query per query string scoped to the same fileIDs, merge
// everything by (file_id, chunk_index) (the max score within a source,
// the vector hit's score when both sources matched; see the package doc), and
// return the top limit hits ordered by descending score (ties broken by
// file_id then chunk_index).
func (r *Retriever) Retrieve(ctx context.Context, queries []string, fileIDs []string, limit int) ([]Hit, error) {
	if len(fileIDs) == 0 || len(queries) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5 * len(queries)
	}

	vectors, err := r.embedder.Embed(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("retriever: embedding queries: %w", err)
	}

	merged := make(map[string]*mergeEntry)
	var vectorErr, ftsErr error
	vectorOK, ftsOK := false, false

	for i, q := range queries {
		if i < len(vectors) {
			hits, err := r.index.Search(ctx, vectors[i], fileIDs, limit)
			if err != nil {
				vectorErr = err
			} else {
				vectorOK = true
				for _, h := range hits {
					r.mergeVectorHit(ctx, merged, h)
				}
			}
		}

		ftsResults, err := r.store.FTSSearch(ctx, q, fileIDs, limit)
		if err != nil {
			ftsErr = err
		} else {
			ftsOK = true
			for _, res := range ftsResults {
				mergeHit(merged, Hit{
					FileID: res.FileID, ChunkIndex: res.ChunkIndex,
					Content: res.Content, Score: normalizeFTSScore(res.Score), Metadata: res.Metadata,
				}, false)
			}
		}
	}

	if !vectorOK && !ftsOK {
		err := vectorErr
		if err == nil {
			err = ftsErr
		}
		return nil, fmt.Errorf("retriever: all partitions unavailable: %w", err)
	}

	out := make([]Hit, 0, len(merged))
	for _, e := range merged {
		out = append(out, e.hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].FileID != out[j].FileID {
			return out[i].FileID < out[j].FileID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mergeEntry tracks a merged hit alongside which source produced the
// score currently kept for it, so a later hit from the other source can
// apply the vector-preference rule instead of comparing raw magnitudes.
type mergeEntry struct {
	hit        Hit
	fromVector bool
}

// mergeVectorHit attaches chunk content (not stored in the Vector Index)
// before folding a vector hit into the merged set.
func (r *Retriever) mergeVectorHit(ctx context.Context, merged map[string]*mergeEntry, h vectorindex.Hit) {
	key := identityKey(h.FileID, h.ChunkIndex)
	if existing, ok := merged[key]; ok && existing.fromVector && existing.hit.Score >= h.Score && existing.hit.Content != "" {
		return
	}
	chunk, err := r.store.GetChunk(ctx, h.FileID, h.ChunkIndex)
	content, metadata := "", ""
	if err == nil {
		content, metadata = chunk.Content, chunk.Metadata
	}
	mergeHit(merged, Hit{FileID: h.FileID, ChunkIndex: h.ChunkIndex, Content: content, Score: h.Score, Metadata: metadata}, true)
}

// mergeHit folds h into merged under its (file_id, chunk_index) identity.
// Two hits from the same source (two sub-queries both matching the same
// chunk in the vector index, or both in FTS5) keep the higher score.
// Across sources, the vector hit always wins the score, per this repo's
// fusion policy (see DESIGN.md) — either source can still contribute the
// chunk's content if the winning hit doesn't already carry it.
func mergeHit(merged map[string]*mergeEntry, h Hit, fromVector bool) {
	key := identityKey(h.FileID, h.ChunkIndex)
	existing, ok := merged[key]
	if !ok {
		merged[key] = &mergeEntry{hit: h, fromVector: fromVector}
		return
	}

	switch {
	case existing.fromVector == fromVector:
		if h.Score > existing.hit.Score {
			if existing.hit.Content != "" && h.Content == "" {
				h.Content = existing.hit.Content
			}
			existing.hit = h
		} else if existing.hit.Content == "" && h.Content != "" {
			existing.hit.Content = h.Content
		}
	case fromVector && !existing.fromVector:
		// New hit is from the vector index; it displaces an FTS-only
		// entry and its score wins regardless of magnitude.
		if h.Content == "" {
			h.Content = existing.hit.Content
		}
		merged[key] = &mergeEntry{hit: h, fromVector: true}
	default:
		// existing is already the vector hit; keep its score, borrow
		// content from the FTS hit only if the vector hit lacks one.
		if existing.hit.Content == "" && h.Content != "" {
			existing.hit.Content = h.Content
		}
	}
}

// normalizeFTSScore squashes FTS5's unbounded, BM25-derived positive
// score (see store.FTSSearch) into (0,1) so it sits on the same scale
// as vector cosine similarity before any cross-source comparison.
func normalizeFTSScore(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	return raw / (raw + 1)
}

func identityKey(fileID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%d", fileID, chunkIndex)
}
