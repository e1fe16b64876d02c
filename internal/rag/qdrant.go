package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written by Upsert and read by SearchSimilar.
const (
	payloadChunkID     = "chunk_id"
	payloadContent     = "content"
	payloadChunkType   = "chunk_type"
	payloadPriority    = "priority"
	payloadSourceLabel = "source_label"
)

// chunkIDNamespace seeds the deterministic UUIDs used for chunk IDs that are
// not already UUIDs; Qdrant and Weaviate only accept UUID object IDs.
var chunkIDNamespace = uuid.MustParse("6f1c2f0e-8a55-4c39-9f0b-3f7d6f3c9b21")

// objectID maps a chunk ID onto a stable UUID.
func objectID(chunkID string) string {
	if u, err := uuid.Parse(chunkID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(chunkIDNamespace, []byte(chunkID)).String()
}

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantBackend implements VectorBackend, ChunkWriter and Pinger on Qdrant.
type QdrantBackend struct {
	client *qdrant.Client
	cfg    *QdrantConfig
}

// NewQdrantBackend connects to Qdrant and makes sure the collection exists,
// creating it with cosine distance when missing.
func NewQdrantBackend(ctx context.Context, cfg *QdrantConfig) (*QdrantBackend, error) {
	if cfg == nil || cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection name is required")
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be positive")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	b := &QdrantBackend{client: client, cfg: cfg}
	if err := b.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// Name implements VectorBackend.
func (b *QdrantBackend) Name() string { return "qdrant" }

func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	exists, err := b.client.CollectionExists(ctx, b.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     b.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", b.cfg.Collection, err)
	}
	return nil
}

// Upsert implements ChunkWriter.
func (b *QdrantBackend) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if uint64(len(c.Embedding)) != b.cfg.VectorSize {
			return fmt.Errorf("qdrant: chunk %s has dimension %d, want %d", c.ID, len(c.Embedding), b.cfg.VectorSize)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(objectID(c.ID)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadChunkID:     c.ID,
				payloadContent:     c.Content,
				payloadChunkType:   string(c.Type),
				payloadPriority:    c.Priority,
				payloadSourceLabel: c.SourceLabel,
			}),
		})
	}

	wait := true
	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// SearchSimilar implements VectorBackend. The score threshold is pushed down
// to Qdrant so filtered points never cross the wire.
func (b *QdrantBackend) SearchSimilar(ctx context.Context, vector []float32, topK int, minScore float64) ([]RawResult, error) {
	if topK <= 0 {
		return []RawResult{}, nil
	}
	limit := uint64(topK)
	threshold := float32(minScore)
	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	results := make([]RawResult, 0, len(points))
	for _, p := range points {
		c := Chunk{ID: p.GetId().GetUuid()}
		if pl := p.GetPayload(); pl != nil {
			if v, ok := pl[payloadChunkID]; ok && v.GetStringValue() != "" {
				c.ID = v.GetStringValue()
			}
			c.Content = pl[payloadContent].GetStringValue()
			c.Type = ChunkType(pl[payloadChunkType].GetStringValue())
			c.Priority = pl[payloadPriority].GetDoubleValue()
			c.SourceLabel = pl[payloadSourceLabel].GetStringValue()
		}
		results = append(results, RawResult{Chunk: c, RawScore: clamp01(float64(p.GetScore()))})
	}
	return results, nil
}

// Delete removes chunks by their chunk IDs.
func (b *QdrantBackend) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(objectID(id)))
	}

	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// Ping implements Pinger via the gRPC health check.
func (b *QdrantBackend) Ping(ctx context.Context) error {
	if _, err := b.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}
