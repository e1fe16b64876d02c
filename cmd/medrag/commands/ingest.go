package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/embedder"
	"github.com/54b3r/medrag-go/internal/ingestion"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/rag"
)

// NewIngestCmd constructs the `medrag ingest` command, which loads chunks into
// one vector backend.
func NewIngestCmd() *cobra.Command {
	var (
		file        string
		urls        []string
		backend     string
		chunkType   string
		sourceLabel string
		priority    float64
		batchSize   int
		chunkSize   int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load knowledge chunks into a vector backend",
		Long: `Load chunks into a vector backend, embedding any that lack a vector.

Two input modes, which can be combined:

  --file   JSONL, one record per line ("-" reads stdin):
           {"id":"tb-1","content":"...","chunk_type":"protocol",
            "priority":0.9,"source_label":"TB guideline","embedding":[...]}
           Only content is required. Missing ids are derived from the content,
           missing chunk types are inferred from the source label, and missing
           priority defaults to 1.0.

  --url    plain-text document to fetch and split (repeatable). Chunk type and
           label are inferred from the URL unless --chunk-type and
           --source-label are given.

The target backend must be qdrant, weaviate or sqlite. Its connection settings
come from the same QDRANT_*, WEAVIATE_* and RAG_SQLITE_PATH variables the
server uses, and the embedding settings from EMBEDDING_*.

Examples:
  medrag ingest --file chunks.jsonl --backend qdrant
  medrag ingest --backend sqlite --url https://example.org/guidelines/tb.txt --priority 0.9
  cat faq.jsonl | medrag ingest --file - --backend weaviate`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if file == "" && len(urls) == 0 {
				return fmt.Errorf("ingest: --file or at least one --url is required")
			}
			if priority < 0 || priority > 1 {
				return fmt.Errorf("ingest: --priority %v outside [0, 1]", priority)
			}
			backend = strings.ToLower(strings.TrimSpace(backend))

			eng, err := buildEngine(ctx, log, engineOptions{})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer eng.Close()

			if err := eng.buildEmbedder(ctx, []string{backend}); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			writer, err := eng.openWriter(ctx, backend)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			pipeline, err := ingestion.NewPipeline(eng.embedder, writer, &ingestion.Config{
				Dimensions: eng.dimensions(),
				BatchSize:  batchSize,
				ChunkSize:  chunkSize,
				Throttled:  embedder.IsThrottled,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			progress := func(msg string) { log.Info(msg, slog.String("backend", backend)) }
			var total ingestion.Stats

			if file != "" {
				r, closeFn, err := openInput(cmd, file)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				stats, err := pipeline.IngestJSONL(ctx, r, progress)
				closeFn()
				if err != nil {
					return fmt.Errorf("ingest: %s: %w", file, err)
				}
				total = addStats(total, stats)
			}

			if len(urls) > 0 {
				sources := make([]ingestion.Source, 0, len(urls))
				for _, u := range urls {
					src := ingestion.Source{
						URL:         u,
						ChunkType:   rag.ChunkType(strings.ToLower(chunkType)),
						SourceLabel: sourceLabel,
						Priority:    priority,
					}
					inferred := ingestion.InferMetadata(u)
					log.Info("source metadata",
						slog.String("url", u),
						slog.String("chunk_type", string(firstNonEmpty(src.ChunkType, inferred.ChunkType))),
						slog.String("source_label", firstNonEmpty(src.SourceLabel, inferred.SourceLabel)),
					)
					sources = append(sources, src)
				}
				stats, err := pipeline.Ingest(ctx, sources, progress)
				if err != nil {
					return fmt.Errorf("ingest: pipeline failed: %w", err)
				}
				total = addStats(total, stats)
			}

			log.Info("ingestion complete",
				slog.String("backend", backend),
				slog.Int("records", total.Records),
				slog.Int("chunks", total.Chunks),
				slog.Int("embedded", total.Embedded),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `JSONL file of chunk records ("-" for stdin)`)
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "Plain-text document URL to fetch and chunk (repeatable)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "qdrant", "Target vector backend: qdrant, weaviate, sqlite")
	cmd.Flags().StringVar(&chunkType, "chunk-type", "", "Chunk type for --url sources (protocol, general, faq, reference; default: inferred)")
	cmd.Flags().StringVar(&sourceLabel, "source-label", "", "Source label for --url sources (default: inferred from the URL)")
	cmd.Flags().Float64Var(&priority, "priority", 1.0, "Priority in [0, 1] for --url sources")
	cmd.Flags().IntVar(&batchSize, "batch-size", 32, "Chunks per embed and upsert call")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1000, "Maximum characters per chunk before splitting")

	return cmd
}

// openInput opens path for reading, or stdin for "-".
func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func addStats(a, b ingestion.Stats) ingestion.Stats {
	return ingestion.Stats{
		Records:  a.Records + b.Records,
		Chunks:   a.Chunks + b.Chunks,
		Embedded: a.Embedded + b.Embedded,
	}
}

func firstNonEmpty[T ~string](v, fallback T) T {
	if v != "" {
		return v
	}
	return fallback
}
