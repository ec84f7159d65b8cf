// Package main is the entry point for the brickflow binary.
// It validates mods, runs pipelines once and serves a frame agent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigPath = ""

func main() {
	// BRICKFLOW_* overrides may come from a .env file in the working directory.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "brickflow",
		Short: "Brick pipeline execution engine",
		Long: `Brickflow compiles mods into brick pipelines and executes them across frames.

Examples:
  brickflow validate --mods ./mods
  brickflow run --mods ./mods --component greet --input '{"msg":"hi"}'
  brickflow serve --config brickflow.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringP("mods", "m", "", "Mod file or directory, overrides pipeline.file/pipeline.dir")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newValidateCmd(), newBricksCmd(), newRunCmd(), newSimulateCmd(), newServeCmd())
	return rootCmd
}
