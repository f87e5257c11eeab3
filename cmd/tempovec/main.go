// Tempovec is a temporal-aware vector store served over HTTP.
//
// The serve command starts the HTTP API plus a Prometheus metrics
// endpoint, restores an optional snapshot at startup, and writes one back
// on graceful shutdown.
//
// Usage:
//
//	# Start with defaults
//	tempovec serve
//
//	# Start from a config file and a snapshot
//	tempovec serve --config tempovec.yaml --snapshot data.tvs
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath   string
	snapshotPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tempovec",
	Short: "Temporal-aware vector store",
	Long: `tempovec stores vectors with temporal metadata and serves
approximate nearest-neighbor search where recency and importance shape
the ranking.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the tempovec HTTP server.

Examples:
  # Start with defaults on :8080
  tempovec serve

  # Load configuration and restore a snapshot
  tempovec serve --config tempovec.yaml --snapshot data.tvs`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tempovec\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	serveCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file to restore at startup and write on shutdown")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
