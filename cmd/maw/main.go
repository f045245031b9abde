// Command maw is the CLI entry point: a thin boundary that parses flags
// and hands off to internal/engine. No merge logic lives here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maw",
	Short: "Manifold workspace coordinator",
	Long: `maw coordinates multiple agent workspaces over a single
content-addressed git-compatible store: create isolated workspaces,
merge them N-way back into the shared epoch, and recover from failed
or abandoned merges.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "maw: %v\n", err)
		os.Exit(1)
	}
}
