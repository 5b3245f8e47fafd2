package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/scrape-orchestrator/pkg/ollama"
)

var setupModelsCmd = &cobra.Command{
	Use:   "setup-models",
	Short: "Verify the Ollama endpoint and pull the intent and embedding models",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("setup-models"); err != nil {
			return err
		}

		client := ollama.NewClient(cfg.Ollama.Endpoint)
		chatModel := cfg.Intent.Model
		if cfg.Intent.Provider == "anthropic" {
			// Cloud classification still needs the local embedding model.
			chatModel = ""
		}
		return ollama.EnsureReady(cmd.Context(), client, chatModel, cfg.Ollama.EmbedModel, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(setupModelsCmd)
}
