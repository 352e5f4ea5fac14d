// Package ingest implements the Ingestion Pipeline (C7): validate,
// extract, hierarchically chunk, embed, and index an uploaded document
// (§4.1).
package ingest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docqa/ragserve"
	"github.com/docqa/ragserve/chunker"
	"github.com/docqa/ragserve/internal/cache"
	"github.com/docqa/ragserve/llm"
	"github.com/docqa/ragserve/parser"
	"github.com/docqa/ragserve/store"
)

// allowedExtensions is §4.1's validated format allowlist.
var allowedExtensions = map[string]bool{"pdf": true, "docx": true, "txt": true, "md": true}

const (
	defaultEmbedBatchSize = 64
	idGenerationAttempts  = 3
)

var embedBackoffs = []time.Duration{250 * time.Millisecond, 1 * time.Second}

// Result is the Ingest contract's success value.
type Result struct {
	FileID     string
	Filename   string
	FileSize   int64
	ChunkCount int
	Status     string
}

// metadataStore is the subset of *store.Store the pipeline needs.
type metadataStore interface {
	FileExists(ctx context.Context, fileID string) (bool, error)
	AddFile(ctx context.Context, f store.File) error
	UpdateStatus(ctx context.Context, fileID, status string) error
	UpdateChunkCount(ctx context.Context, fileID string, n int) error
	AddChunks(ctx context.Context, chunks []store.Chunk) error
}

// vectorInserter is the subset of *vectorindex.Index the pipeline needs.
type vectorInserter interface {
	Insert(ctx context.Context, fileID string, chunkIndex int, level string, vector []float32) error
	DropPartition(ctx context.Context, fileID string) error
}

// Pipeline wires the Ingestion Pipeline's dependencies together.
type Pipeline struct {
	registry  *parser.Registry
	chunker   *chunker.Chunker
	embedder  llm.Provider
	cache     *cache.Cache
	store     metadataStore
	index     vectorInserter
	batchSize int
	embedTTL  time.Duration
}

// New constructs a Pipeline. cache may be nil.
func New(registry *parser.Registry, ck *chunker.Chunker, embedder llm.Provider, c *cache.Cache, st metadataStore, idx vectorInserter, embedTTL time.Duration) *Pipeline {
	return &Pipeline{
		registry:  registry,
		chunker:   ck,
		embedder:  embedder,
		cache:     c,
		store:     st,
		index:     idx,
		batchSize: defaultEmbedBatchSize,
		embedTTL:  embedTTL,
	}
}

// Ingest runs §4.1's full validate -> extract -> chunk -> embed -> index
// algorithm over fileBytes.
func (p *Pipeline) Ingest(ctx context.Context, fileBytes []byte, originalName, userID string) (Result, error) {
	ext := extension(originalName)
	if !allowedExtensions[ext] {
		return Result{}, ragserve.ValidationError(fmt.Sprintf("unsupported file extension: %q", ext))
	}
	if len(fileBytes) == 0 {
		return Result{}, ragserve.ValidationError("file is empty")
	}

	fileID, err := p.generateFileID(ctx, fileBytes)
	if err != nil {
		return Result{}, err
	}

	sections, err := p.extract(ctx, ext, fileBytes)
	if err != nil {
		return Result{}, err
	}

	chunks := p.chunker.Chunk(fileID, sections)

	file := store.File{
		FileID:        fileID,
		Filename:      originalName,
		FileType:      ext,
		ByteSize:      int64(len(fileBytes)),
		UploadedAt:    time.Now().UTC(),
		UserID:        userID,
		Status:        "indexing",
		PartitionName: "file_" + fileID,
		ContentHash:   contentHashHex(fileBytes),
	}
	if err := p.store.AddFile(ctx, file); err != nil {
		return Result{}, ragserve.InternalError(fmt.Sprintf("adding file row: %v", err))
	}
	if err := p.store.AddChunks(ctx, chunks); err != nil {
		return Result{}, ragserve.InternalError(fmt.Sprintf("adding chunk rows: %v", err))
	}

	if err := p.embedAndIndex(ctx, fileID, chunks); err != nil {
		_ = p.store.UpdateStatus(ctx, fileID, "failed")
		_ = p.index.DropPartition(ctx, fileID)
		return Result{}, err
	}

	if err := p.store.UpdateChunkCount(ctx, fileID, len(chunks)); err != nil {
		slog.Warn("ingest: updating chunk count", "file_id", fileID, "error", err)
	}
	if err := p.store.UpdateStatus(ctx, fileID, "completed"); err != nil {
		return Result{}, ragserve.InternalError(fmt.Sprintf("updating file status: %v", err))
	}

	return Result{FileID: fileID, Filename: originalName, FileSize: file.ByteSize, ChunkCount: len(chunks), Status: "completed"}, nil
}

// extract dispatches to the registered Parser for ext, writing fileBytes
// to a temp file since the Parser interface is path-based.
func (p *Pipeline) extract(ctx context.Context, ext string, fileBytes []byte) ([]parser.Section, error) {
	prs, err := p.registry.Get(ext)
	if err != nil {
		return nil, ragserve.ValidationError(err.Error())
	}

	tmpPath, cleanup, err := writeTemp(fileBytes, ext)
	if err != nil {
		return nil, ragserve.InternalError(fmt.Sprintf("staging upload: %v", err))
	}
	defer cleanup()

	result, err := prs.Parse(ctx, tmpPath)
	if err != nil {
		if parser.ErrZeroText(err) {
			return nil, ragserve.UnprocessableDocumentError("document contains no extractable text")
		}
		return nil, ragserve.UnprocessableDocumentError(err.Error())
	}
	if len(result.Sections) == 0 {
		return nil, ragserve.UnprocessableDocumentError("document contains no extractable text")
	}
	return result.Sections, nil
}

// generateFileID builds §3's file_id, drawing a fresh candidate on
// collision for at most idGenerationAttempts attempts in total, per §4.1
// step 2.
func (p *Pipeline) generateFileID(ctx context.Context, fileBytes []byte) (string, error) {
	hashSuffix := contentHashHex(fileBytes)[:8]
	for attempt := 0; attempt < idGenerationAttempts; attempt++ {
		candidate := fmt.Sprintf("file_%d_%s_%s", time.Now().Unix(), randomHex(8), hashSuffix)
		exists, err := p.store.FileExists(ctx, candidate)
		if err != nil {
			return "", ragserve.InternalError(fmt.Sprintf("checking file id collision: %v", err))
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ragserve.IDGenerationExhaustedError()
}

// embedAndIndex feeds chunk texts to the Embedding Service in batches
// and inserts the resulting vectors into the Vector Index, retrying
// each batch per §4.1's failure policy.
func (p *Pipeline) embedAndIndex(ctx context.Context, fileID string, chunks []store.Chunk) error {
	for start := 0; start < len(chunks); start += p.batchSize {
		end := start + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		vectors, err := p.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return ragserve.IndexingFailedError(fmt.Sprintf("embedding batch [%d:%d): %v", start, end, err))
		}

		for i, c := range batch {
			if err := p.index.Insert(ctx, fileID, c.ChunkIndex, c.Level, vectors[i]); err != nil {
				return ragserve.IndexingFailedError(fmt.Sprintf("inserting vector for chunk %d: %v", c.ChunkIndex, err))
			}
		}
	}
	return nil
}

// embedBatchWithRetry embeds one batch, consulting the embedding cache
// per-chunk first and retrying the whole batch on failure per §4.1's
// exponential backoff (250ms, 1s).
func (p *Pipeline) embedBatchWithRetry(ctx context.Context, batch []store.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(batch))
	var toEmbed []string
	var toEmbedIdx []int

	for i, c := range batch {
		if p.cache != nil {
			if v, ok := p.cache.GetEmbedding(ctx, c.ContentHash); ok {
				vectors[i] = v
				continue
			}
		}
		toEmbed = append(toEmbed, c.Content)
		toEmbedIdx = append(toEmbedIdx, i)
	}
	if len(toEmbed) == 0 {
		return vectors, nil
	}

	var embedded [][]float32
	var err error
	for attempt := 0; ; attempt++ {
		embedded, err = p.embedder.Embed(ctx, toEmbed)
		if err == nil {
			break
		}
		if attempt >= len(embedBackoffs) {
			return nil, err
		}
		select {
		case <-time.After(embedBackoffs[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for j, idx := range toEmbedIdx {
		vectors[idx] = embedded[j]
		if p.cache != nil {
			p.cache.SetEmbedding(ctx, batch[idx].ContentHash, embedded[j], p.embedTTL)
		}
	}
	return vectors, nil
}

// writeTemp stages fileBytes on disk so the path-based Parser interface
// can read it, per §6.4's file-handle-reuse caution: it writes the
// already-read buffer, never an upload stream that may already be
// consumed.
func writeTemp(fileBytes []byte, ext string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "docqa-upload-*."+ext)
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(fileBytes); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", nil, err
	}
	return name, func() { os.Remove(name) }, nil
}

func extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return strings.TrimPrefix(ext, ".")
}

func contentHashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n/2+1)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ingest: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)[:n]
}
