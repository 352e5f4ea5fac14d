// Package vectorindex implements the Vector Index backing service (C2): a
// per-file partition of embedded chunks searched by cosine similarity.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadFileID is the payload field holding the owning file's chunk
// identity, since Qdrant point IDs must be UUIDs or positive integers and
// cannot carry our (file_id, chunk_index) identity directly.
const (
	payloadFileID     = "file_id"
	payloadChunkIndex = "chunk_index"
	payloadLevel      = "level"
)

// Hit is one vector search result.
type Hit struct {
	FileID     string
	ChunkIndex int
	Level      string
	Score      float64
}

// Index wraps a Qdrant collection. One collection is shared across all
// files; partitioning is implemented with a payload filter on file_id
// rather than one collection per file, since Qdrant's expected collection
// count is low relative to the expected file count.
type Index struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// New connects to Qdrant and ensures the shared collection exists.
func New(ctx context.Context, host string, port int, dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vectorindex: dimension must be > 0")
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: connecting to qdrant: %w", err)
	}
	idx := &Index{client: client, collection: "docqa_chunks", dimension: dimension}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("vectorindex: checking collection: %w", err)
	}
	if exists {
		return nil
	}
	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(idx.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorindex: creating collection: %w", err)
	}
	return nil
}

// pointID derives a deterministic UUID for a (file_id, chunk_index) pair,
// so re-ingesting the same chunk at the same position overwrites its
// point rather than duplicating it.
func pointID(fileID string, chunkIndex int) string {
	name := fmt.Sprintf("%s:%d", fileID, chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Insert upserts one chunk's embedding into the partition named by fileID.
func (idx *Index) Insert(ctx context.Context, fileID string, chunkIndex int, level string, vector []float32) error {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(pointID(fileID, chunkIndex)),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(map[string]any{
			payloadFileID:     fileID,
			payloadChunkIndex: int64(chunkIndex),
			payloadLevel:      level,
		}),
	}
	_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("vectorindex: upserting point: %w", err)
	}
	return nil
}

// Search performs a cosine-similarity search restricted to the given file
// ids (§4.3's retrieval scoping to the caller's accessible documents).
func (idx *Index) Search(ctx context.Context, vector []float32, fileIDs []string, limit int) ([]Hit, error) {
	if len(fileIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	matches := make([]*qdrant.Condition, 0, len(fileIDs))
	for _, id := range fileIDs {
		matches = append(matches, qdrant.NewMatch(payloadFileID, id))
	}
	filter := &qdrant.Filter{Should: matches}

	lim := uint64(limit)
	res, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &lim,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: searching: %w", err)
	}

	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		var h Hit
		if r.Payload != nil {
			if v, ok := r.Payload[payloadFileID]; ok {
				h.FileID = v.GetStringValue()
			}
			if v, ok := r.Payload[payloadChunkIndex]; ok {
				h.ChunkIndex = int(v.GetIntegerValue())
			}
			if v, ok := r.Payload[payloadLevel]; ok {
				h.Level = v.GetStringValue()
			}
		}
		h.Score = float64(r.Score)
		hits = append(hits, h)
	}
	return hits, nil
}

// DropPartition removes every point belonging to a file, per §3's
// Lifecycle ("deleting a File drops its partition from the Vector Index").
func (idx *Index) DropPartition(ctx context.Context, fileID string) error {
	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadFileID, fileID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorindex: dropping partition: %w", err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (idx *Index) Close() error {
	return idx.client.Close()
}

// Ping verifies the shared collection is still reachable, for /healthz.
func (idx *Index) Ping(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("vectorindex: ping: %w", err)
	}
	if !exists {
		return fmt.Errorf("vectorindex: ping: collection %q missing", idx.collection)
	}
	return nil
}
