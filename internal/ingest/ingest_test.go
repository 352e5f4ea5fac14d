package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/docqa/ragserve/chunker"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/parser"
	"github.com/docqa/ragserve/store"
)

type fakeStore struct {
	mu      sync.Mutex
	files   map[string]store.File
	chunks  []store.Chunk
	statusOf map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string]store.File{}, statusOf: map[string]string{}}
}

func (f *fakeStore) FileExists(ctx context.Context, fileID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[fileID]
	return ok, nil
}

func (f *fakeStore) AddFile(ctx context.Context, file store.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[file.FileID] = file
	f.statusOf[file.FileID] = file.Status
	return nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, fileID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusOf[fileID] = status
	return nil
}

func (f *fakeStore) UpdateChunkCount(ctx context.Context, fileID string, n int) error { return nil }

func (f *fakeStore) AddChunks(ctx context.Context, chunks []store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
	return nil
}

type fakeIndex struct {
	inserted int
	dropped  bool
	failAt   int
}

func (f *fakeIndex) Insert(ctx context.Context, fileID string, chunkIndex int, level string, vector []float32) error {
	if f.failAt > 0 && f.inserted >= f.failAt {
		return errors.New("simulated insert failure")
	}
	f.inserted++
	return nil
}

func (f *fakeIndex) DropPartition(ctx context.Context, fileID string) error {
	f.dropped = true
	return nil
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 0}
	}
	return out, nil
}

func newPipeline(fs *fakeStore, idx *fakeIndex, emb *fakeEmbedder) *Pipeline {
	reg := parser.NewRegistry()
	ck := chunker.New(chunker.Config{Sizes: [3]int{200, 100, 50}, Overlap: 20})
	return New(reg, ck, emb, nil, fs, idx, 0)
}

func TestIngestTextFileSucceeds(t *testing.T) {
	fs := newFakeStore()
	idx := &fakeIndex{}
	p := newPipeline(fs, idx, &fakeEmbedder{})

	content := []byte("This is a simple plain text document used to test the ingestion pipeline end to end.")
	res, err := p.Ingest(context.Background(), content, "notes.txt", "user-1")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Status != "completed" {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	if res.ChunkCount == 0 {
		t.Error("expected at least one chunk")
	}
	if fs.statusOf[res.FileID] != "completed" {
		t.Errorf("store status = %q, want completed", fs.statusOf[res.FileID])
	}
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	fs := newFakeStore()
	p := newPipeline(fs, &fakeIndex{}, &fakeEmbedder{})

	_, err := p.Ingest(context.Background(), []byte("data"), "spreadsheet.xlsx", "user-1")
	if err == nil {
		t.Fatal("expected validation error for unsupported extension")
	}
}

func TestIngestRejectsEmptyFile(t *testing.T) {
	fs := newFakeStore()
	p := newPipeline(fs, &fakeIndex{}, &fakeEmbedder{})

	_, err := p.Ingest(context.Background(), []byte{}, "empty.txt", "user-1")
	if err == nil {
		t.Fatal("expected validation error for empty file")
	}
}

func TestIngestMarksFailedAndDropsPartitionOnIndexingFailure(t *testing.T) {
	fs := newFakeStore()
	idx := &fakeIndex{failAt: 0}
	p := newPipeline(fs, idx, &fakeEmbedder{err: errors.New("embedding service down")})

	content := []byte("Some content that will fail to embed because the embedder is broken.")
	_, err := p.Ingest(context.Background(), content, "doc.txt", "user-1")
	if err == nil {
		t.Fatal("expected indexing error")
	}
	if !idx.dropped {
		t.Error("expected partition to be dropped on indexing failure")
	}
	for id, status := range fs.statusOf {
		if status != "failed" {
			t.Errorf("store status of %s = %q, want failed", id, status)
		}
	}
}

func TestExtensionLowercasesAndStripsDot(t *testing.T) {
	if got := extension("REPORT.PDF"); got != "pdf" {
		t.Errorf("extension = %q, want pdf", got)
	}
}

func TestFileIDHasExpectedShapeAndAvoidsTakenID(t *testing.T) {
	fs := newFakeStore()
	p := newPipeline(fs, &fakeIndex{}, &fakeEmbedder{})

	id, err := p.generateFileID(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("generateFileID: %v", err)
	}
	if id[:5] != "file_" {
		t.Errorf("file id should start with file_, got %q", id)
	}

	// Mark the first id as taken and verify a later call does not hand it out again.
	fs.files[id] = store.File{FileID: id}
	id2, err := p.generateFileID(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("generateFileID after collision: %v", err)
	}
	if id2 == id {
		t.Error("expected a distinct id after simulated collision")
	}
}
