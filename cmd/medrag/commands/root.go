// Package commands defines all Cobra CLI commands for the medrag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/audit"
	"github.com/54b3r/medrag-go/internal/config"
	"github.com/54b3r/medrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "medrag",
		Short: "medrag: retrieval-augmented answers over medical reference material",
		Long: `medrag answers clinical questions from ingested protocols, FAQs and
reference material. Queries are embedded, searched across an ordered chain of
vector backends (Qdrant, Weaviate, SQLite, in-memory), ranked by chunk type and
priority, and answered by the first healthy generation provider.

Providers and backends are selected via environment variables or a YAML
config file (~/.medrag/config.yaml). Environment variables always win.
See 'medrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.medrag/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewRetrieveCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
