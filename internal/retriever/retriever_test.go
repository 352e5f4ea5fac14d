package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/docqa/ragserve/internal/vectorindex"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeVectorIndex struct {
	hits []vectorindex.Hit
	err  error
}

func (f *fakeVectorIndex) Search(ctx context.Context, vector []float32, fileIDs []string, limit int) ([]vectorindex.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeChunkStore struct {
	ftsResults []store.RetrievalResult
	ftsErr     error
	chunks     map[string]store.Chunk
}

func (f *fakeChunkStore) FTSSearch(ctx context.Context, query string, fileIDs []string, limit int) ([]store.RetrievalResult, error) {
	if f.ftsErr != nil {
		return nil, f.ftsErr
	}
	return f.ftsResults, nil
}

func (f *fakeChunkStore) GetChunk(ctx context.Context, fileID string, chunkIndex int) (*store.Chunk, error) {
	key := fileID + ":" + string(rune('0'+chunkIndex))
	if c, ok := f.chunks[key]; ok {
		return &c, nil
	}
	return &store.Chunk{FileID: fileID, ChunkIndex: chunkIndex, Content: "vector-only content"}, nil
}

func TestRetrieveDedupesByIdentityKeepingMaxScore(t *testing.T) {
	vi := &fakeVectorIndex{hits: []vectorindex.Hit{
		{FileID: "file_a", ChunkIndex: 0, Score: 0.5},
		{FileID: "file_a", ChunkIndex: 1, Score: 0.9},
	}}
	cs := &fakeChunkStore{
		ftsResults: []store.RetrievalResult{
			{FileID: "file_a", ChunkIndex: 0, Content: "fts content", Score: 0.8},
		},
		chunks: map[string]store.Chunk{},
	}
	r := New(fakeEmbedder{}, vi, cs)

	hits, err := r.Retrieve(context.Background(), []string{"q1"}, []string{"file_a"}, 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 deduped hits, got %d: %+v", len(hits), hits)
	}
	// chunk 0 keeps the vector score 0.5: the raw FTS score 0.8 normalizes
	// to 0.8/1.8 ≈ 0.44, and a vector hit wins a collision in any case.
	for _, h := range hits {
		if h.FileID == "file_a" && h.ChunkIndex == 0 && h.Score != 0.5 {
			t.Errorf("expected score 0.5 for (file_a,0), got %v", h.Score)
		}
	}
}

func TestRetrieveSortsDescendingByScore(t *testing.T) {
	vi := &fakeVectorIndex{hits: []vectorindex.Hit{
		{FileID: "file_a", ChunkIndex: 0, Score: 0.1},
		{FileID: "file_a", ChunkIndex: 1, Score: 0.9},
		{FileID: "file_a", ChunkIndex: 2, Score: 0.5},
	}}
	cs := &fakeChunkStore{chunks: map[string]store.Chunk{}}
	r := New(fakeEmbedder{}, vi, cs)

	hits, err := r.Retrieve(context.Background(), []string{"q1"}, []string{"file_a"}, 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i-1].Score < hits[i].Score {
			t.Fatalf("hits not sorted descending: %+v", hits)
		}
	}
}

func TestRetrieveTruncatesToLimit(t *testing.T) {
	vi := &fakeVectorIndex{hits: []vectorindex.Hit{
		{FileID: "file_a", ChunkIndex: 0, Score: 0.9},
		{FileID: "file_a", ChunkIndex: 1, Score: 0.8},
		{FileID: "file_a", ChunkIndex: 2, Score: 0.7},
	}}
	cs := &fakeChunkStore{chunks: map[string]store.Chunk{}}
	r := New(fakeEmbedder{}, vi, cs)

	hits, err := r.Retrieve(context.Background(), []string{"q1"}, []string{"file_a"}, 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(hits))
	}
}

func TestRetrievePropagatesUnavailableWhenAllPartitionsFail(t *testing.T) {
	vi := &fakeVectorIndex{err: errors.New("qdrant down")}
	cs := &fakeChunkStore{ftsErr: errors.New("sqlite down")}
	r := New(fakeEmbedder{}, vi, cs)

	_, err := r.Retrieve(context.Background(), []string{"q1"}, []string{"file_a"}, 10)
	if err == nil {
		t.Fatal("expected error when both vector and fts search fail")
	}
}

func TestRetrieveProceedsWhenOnlyOneSourceFails(t *testing.T) {
	vi := &fakeVectorIndex{err: errors.New("qdrant down")}
	cs := &fakeChunkStore{
		ftsResults: []store.RetrievalResult{{FileID: "file_a", ChunkIndex: 0, Content: "c", Score: 0.5}},
		chunks:     map[string]store.Chunk{},
	}
	r := New(fakeEmbedder{}, vi, cs)

	hits, err := r.Retrieve(context.Background(), []string{"q1"}, []string{"file_a"}, 10)
	if err != nil {
		t.Fatalf("Retrieve should not error when fts succeeds: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit from fts fallback, got %d", len(hits))
	}
}

func TestRetrieveEmptyInputsReturnNil(t *testing.T) {
	r := New(fakeEmbedder{}, &fakeVectorIndex{}, &fakeChunkStore{chunks: map[string]store.Chunk{}})
	hits, err := r.Retrieve(context.Background(), nil, []string{"file_a"}, 10)
	if err != nil || hits != nil {
		t.Errorf("expected nil, nil for empty queries, got %v, %v", hits, err)
	}
	hits, err = r.Retrieve(context.Background(), []string{"q"}, nil, 10)
	if err != nil || hits != nil {
		t.Errorf("expected nil, nil for empty file ids, got %v, %v", hits, err)
	}
}
