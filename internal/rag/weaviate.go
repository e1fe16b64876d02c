package rag

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// Weaviate property names for a chunk object.
const (
	wvChunkID     = "chunkId"
	wvContent     = "content"
	wvChunkType   = "chunkType"
	wvPriority    = "priority"
	wvSourceLabel = "sourceLabel"
)

// WeaviateConfig holds connection parameters for a Weaviate instance.
type WeaviateConfig struct {
	// Host is host:port of the Weaviate REST endpoint (default: localhost:8080).
	Host string
	// Scheme is http or https (default: http).
	Scheme string
	// Class is the object class holding chunks (default: MedicalChunk).
	Class string
	// APIKey is sent as a bearer token when set.
	APIKey string
}

// WeaviateBackend implements VectorBackend, ChunkWriter and Pinger on Weaviate
// using caller-supplied vectors (vectorizer "none").
type WeaviateBackend struct {
	client *weaviate.Client
	class  string
}

// NewWeaviateBackend builds a client and ensures the chunk class exists.
func NewWeaviateBackend(ctx context.Context, cfg WeaviateConfig) (*WeaviateBackend, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost:8080"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = "MedicalChunk"
	}

	wcfg := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if cfg.APIKey != "" {
		wcfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate: failed to create client: %w", err)
	}
	return newWeaviateBackend(ctx, client, cfg.Class)
}

func newWeaviateBackend(ctx context.Context, client *weaviate.Client, class string) (*WeaviateBackend, error) {
	b := &WeaviateBackend{client: client, class: class}
	if err := b.ensureClass(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Name implements VectorBackend.
func (b *WeaviateBackend) Name() string { return "weaviate" }

func (b *WeaviateBackend) ensureClass(ctx context.Context) error {
	exists, err := b.client.Schema().ClassExistenceChecker().WithClassName(b.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: checking class %q: %w", b.class, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       b.class,
		Description: "Pre-chunked medical knowledge with externally computed embeddings",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]any{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: wvChunkID, DataType: []string{"text"}},
			{Name: wvContent, DataType: []string{"text"}},
			{Name: wvChunkType, DataType: []string{"text"}},
			{Name: wvPriority, DataType: []string{"number"}},
			{Name: wvSourceLabel, DataType: []string{"text"}},
		},
	}
	if err := b.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("weaviate: creating class %q: %w", b.class, err)
	}
	return nil
}

// Upsert implements ChunkWriter via the batch endpoint, which replaces objects
// with an existing ID.
func (b *WeaviateBackend) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	objs := make([]*models.Object, 0, len(chunks))
	for _, c := range chunks {
		objs = append(objs, &models.Object{
			Class: b.class,
			ID:    strfmt.UUID(objectID(c.ID)),
			Properties: map[string]any{
				wvChunkID:     c.ID,
				wvContent:     c.Content,
				wvChunkType:   string(c.Type),
				wvPriority:    c.Priority,
				wvSourceLabel: c.SourceLabel,
			},
			Vector: c.Embedding,
		})
	}

	resp, err := b.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: batch upsert: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate: batch upsert %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// SearchSimilar implements VectorBackend with a nearVector query. Weaviate
// reports cosine distance, so minScore becomes a maximum distance of
// 1-minScore and the raw score is 1-distance.
func (b *WeaviateBackend) SearchSimilar(ctx context.Context, vector []float32, topK int, minScore float64) ([]RawResult, error) {
	if topK <= 0 {
		return []RawResult{}, nil
	}

	nearVector := b.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithDistance(float32(1 - minScore))

	fields := []graphql.Field{
		{Name: wvChunkID},
		{Name: wvContent},
		{Name: wvChunkType},
		{Name: wvPriority},
		{Name: wvSourceLabel},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := b.client.GraphQL().Get().
		WithClassName(b.class).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate: search failed: %w", err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("weaviate: graphql error: %s", res.Errors[0].Message)
	}

	return decodeWeaviateHits(res.Data, b.class), nil
}

// decodeWeaviateHits extracts chunks from a GraphQL Get response body.
func decodeWeaviateHits(data map[string]models.JSONObject, class string) []RawResult {
	results := []RawResult{}
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return results
	}
	hits, ok := get[class].([]any)
	if !ok {
		return results
	}

	for _, h := range hits {
		props, ok := h.(map[string]any)
		if !ok {
			continue
		}
		var c Chunk
		c.ID, _ = props[wvChunkID].(string)
		c.Content, _ = props[wvContent].(string)
		if t, ok := props[wvChunkType].(string); ok {
			c.Type = ChunkType(t)
		}
		c.Priority, _ = props[wvPriority].(float64)
		c.SourceLabel, _ = props[wvSourceLabel].(string)

		score := 0.0
		if add, ok := props["_additional"].(map[string]any); ok {
			if d, ok := add["distance"].(float64); ok {
				score = clamp01(1 - d)
			}
		}
		results = append(results, RawResult{Chunk: c, RawScore: score})
	}
	return results
}

// Ping implements Pinger via the readiness endpoint.
func (b *WeaviateBackend) Ping(ctx context.Context) error {
	ready, err := b.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: ready check: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate: not ready")
	}
	return nil
}
