package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/logging"
)

// NewRetrieveCmd constructs the `medrag retrieve` command, which prints the
// ranked chunks for a query without calling a generation provider.
func NewRetrieveCmd() *cobra.Command {
	var topK int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Show the ranked chunks a question would be answered from",
		Long: `Embed the query, search the vector backend chain and print the chunks that
pass the weighted-score threshold, best first. Useful for tuning
RAG_CHUNK_WEIGHTS, RAG_MIN_SCORE and RAG_MIN_WEIGHTED_SCORE.

Examples:
  medrag retrieve "rifampicina dose adulto"
  RAG_BACKENDS=sqlite medrag retrieve --json "malaria prophylaxis"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			eng, err := buildEngine(ctx, log, engineOptions{retrieval: true})
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}
			defer eng.Close()

			chunks, err := eng.retriever.Retrieve(ctx, strings.Join(args, " "), topK)
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(chunks)
			}
			if len(chunks) == 0 {
				fmt.Fprintln(out, "no chunks above the weighted-score threshold")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tWEIGHTED\tRAW\tTYPE\tPRIORITY\tSOURCE\tID")
			for i, c := range chunks {
				fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%s\t%.2f\t%s\t%s\n",
					i+1, c.WeightedScore, c.RawScore, c.Type, c.Priority, c.SourceLabel, c.ID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum chunks to return (default: RAG_TOP_K)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print chunks as JSON")

	return cmd
}
