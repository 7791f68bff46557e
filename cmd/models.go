package cmd

import (
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
)

func init() {
	var serverURL string
	var apiKey string

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List unified models from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientCfg := openai.DefaultConfig(apiKey)
			clientCfg.BaseURL = serverURL
			client := openai.NewClientWithConfig(clientCfg)

			models, err := client.ListModels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}
			if len(models.Models) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no models available")
				return nil
			}
			for _, m := range models.Models {
				fmt.Fprintf(cmd.OutOrStdout(), "%-60s %s\n", m.ID, m.OwnedBy)
			}
			return nil
		},
	}
	modelsCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:3000/unified/v1", "Unified API base URL")
	modelsCmd.Flags().StringVar(&apiKey, "key", "", "Unified API key")
	rootCmd.AddCommand(modelsCmd)
}
