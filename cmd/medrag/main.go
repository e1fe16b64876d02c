// Command medrag is the entry point for the medical RAG engine. It provides
// a CLI (via Cobra) for ingestion and one-shot questions, and an HTTP server
// exposing chat, retrieval and readiness endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/medrag-go/cmd/medrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
