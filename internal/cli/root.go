// Package cli implements the Forge command-line interface using Cobra.
// Each subcommand maps to a native control-surface capability: models
// load/switch/unload/list, contexts ingest/query/rm/list, and serve.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge — multi-model local inference engine",
	Long: `Forge runs several quantized language models locally and switches
between them in sub-millisecond time, with a context cache that lets a
warmed document serve many queries without repaying its prefill cost.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
