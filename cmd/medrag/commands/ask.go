package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/assistant"
	"github.com/54b3r/medrag-go/internal/logging"
	"github.com/54b3r/medrag-go/internal/tracing"
)

// NewAskCmd constructs the `medrag ask` command, which answers a single
// question and prints the answer with its sources.
func NewAskCmd() *cobra.Command {
	var topK int
	var asJSON bool
	var noContext bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the ingested reference material",
		Long: `Ask a clinical question. The question is embedded, matched against the
configured vector backends, and answered by the first healthy generation
provider using the highest ranked chunks as context.

When retrieval is unavailable the answer is generated without context and
flagged as degraded. When every provider is unavailable a retry-later message
is printed instead.

Examples:
  medrag ask "rifampicina dose adulto"
  medrag ask --top-k 3 "first-line treatment for uncomplicated malaria"
  medrag ask --json "latent TB screening interval" | jq .chunks`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			flush := tracing.Setup(log)
			defer flush()

			eng, err := buildEngine(ctx, log, engineOptions{retrieval: !noContext, generation: true})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer eng.Close()

			ans, err := eng.assistant.Ask(ctx, assistant.Question{Query: strings.Join(args, " "), TopK: topK})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ans)
			}

			fmt.Fprintln(out, ans.Text)
			if ans.Degraded != "" {
				fmt.Fprintf(out, "\n(answered without retrieved context: %s)\n", ans.Degraded)
			}
			if len(ans.Chunks) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for i, c := range ans.Chunks {
					fmt.Fprintf(out, "  [%d] %s (%s, score %.3f)\n", i+1, c.SourceLabel, c.Type, c.WeightedScore)
				}
			}
			if ans.Provider != "" {
				fmt.Fprintf(out, "\n-- %s/%s in %s\n", ans.Provider, ans.Model, ans.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of context chunks (default: RAG_TOP_K)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full answer as JSON")
	cmd.Flags().BoolVar(&noContext, "no-context", false, "Skip retrieval and answer from the model alone")

	return cmd
}
