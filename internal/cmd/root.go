package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "🪺 Roost - Remote development agent",
	Long: `Roost is the server-side agent of a remote development setup. It hosts
extension host worker processes, serves the browser workbench, and exposes
per-port TCP tunnels — all multiplexed over a single upgradeable HTTP
listener with resumable connections.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
