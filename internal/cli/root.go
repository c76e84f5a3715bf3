// Package cli wires the pulsewatch commands.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pulsewatch",
	Short: "Sync-status watcher for the pulse dashboard",
	Long: `Pulsewatch follows the backend's sync event stream, keeps a live view
of per-entity sync state, reconciles it against fetched snapshots after
disconnects, and reports bulk sync completion exactly once per run.`,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("pulsewatch version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
