package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kaus98/aigateway/pkg/logutil"
	"github.com/kaus98/aigateway/pkg/version"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:     "aigw",
	Short:   "OpenAI-compatible gateway for multiple upstream providers",
	Long:    "aigw exposes one OpenAI-compatible chat/completions and models surface and routes requests to independently configured upstream endpoints.",
	Version: version.String(),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// A .env next to the working directory is optional.
		_ = godotenv.Load()
		return logutil.Configure(rootLogLevel)
	}
}
