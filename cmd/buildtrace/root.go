package main

import (
	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "buildtrace",
	Short: "Drawing revision comparison with LLM-read title blocks",
	Long: `BuildTrace compares two versions of a multi-sheet architectural drawing
set and reports what changed on every sheet.

A comparison job:
  - Rasterizes and reads every page of both PDFs (drawing name extraction)
  - Pairs pages across versions by drawing name
  - Aligns and diffs each pair into a change overlay
  - Summarizes each changed pair with a structured LLM description`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.buildtrace/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "buildtrace home directory (default: ~/.buildtrace)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
