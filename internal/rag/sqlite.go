package rag

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/54b3r/medrag-go/internal/store"
)

const sqliteChunksDDL = `
CREATE TABLE IF NOT EXISTS chunks (
    id           TEXT    PRIMARY KEY,
    content      TEXT    NOT NULL,
    chunk_type   TEXT    NOT NULL,
    priority     REAL    NOT NULL,
    source_label TEXT    NOT NULL DEFAULT '',
    dim          INTEGER NOT NULL,
    embedding    BLOB    NOT NULL
);
`

// SQLiteBackend is a durable local VectorBackend. Vectors are stored as
// little-endian float32 blobs and scored by brute-force cosine similarity,
// which is adequate for the corpus sizes a single-node fallback serves.
type SQLiteBackend struct {
	db  *sql.DB
	dim int
}

// OpenSQLiteBackend opens or creates the chunk database at path. dim is the
// deployment's embedding dimension; chunks of any other length are rejected.
func OpenSQLiteBackend(ctx context.Context, path string, dim int) (*SQLiteBackend, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("sqlite: embedding dimension must be positive")
	}
	db, err := store.Open(ctx, path, sqliteChunksDDL)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return &SQLiteBackend{db: db, dim: dim}, nil
}

// Name implements VectorBackend.
func (s *SQLiteBackend) Name() string { return "sqlite" }

// Upsert implements ChunkWriter inside a single transaction.
func (s *SQLiteBackend) Upsert(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO chunks (id, content, chunk_type, priority, source_label, dim, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    content = excluded.content,
    chunk_type = excluded.chunk_type,
    priority = excluded.priority,
    source_label = excluded.source_label,
    dim = excluded.dim,
    embedding = excluded.embedding`

	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("sqlite: upsert: chunk id must not be empty")
		}
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("sqlite: upsert %s: embedding dimension %d, want %d", c.ID, len(c.Embedding), s.dim)
		}
		if _, err := tx.ExecContext(ctx, q,
			c.ID, c.Content, string(c.Type), c.Priority, c.SourceLabel, len(c.Embedding), encodeVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("sqlite: upsert %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit upsert: %w", err)
	}
	return nil
}

// SearchSimilar implements VectorBackend.
func (s *SQLiteBackend) SearchSimilar(ctx context.Context, vector []float32, topK int, minScore float64) ([]RawResult, error) {
	if topK <= 0 {
		return []RawResult{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, chunk_type, priority, source_label, embedding FROM chunks WHERE dim = ?`, len(vector))
	if err != nil {
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	results := []RawResult{}
	for rows.Next() {
		var (
			c    Chunk
			typ  string
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.Content, &typ, &c.Priority, &c.SourceLabel, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: search scan: %w", err)
		}
		score := CosineSimilarity(vector, decodeVector(blob))
		if score < minScore {
			continue
		}
		c.Type = ChunkType(typ)
		results = append(results, RawResult{Chunk: c, RawScore: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: search rows: %w", err)
	}

	slices.SortFunc(results, func(a, b RawResult) int {
		if c := cmp.Compare(b.RawScore, a.RawScore); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Ping implements Pinger.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteBackend) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
