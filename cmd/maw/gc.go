package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/recovery"
)

var (
	gcOlderThan string
	gcKeep      int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune old recovery refs (never run automatically by a merge)",
	Long: `gc deletes refs/manifold/recovery/* entries older than --older-than,
always keeping the --keep most recent per workspace. A merge never prunes
recovery refs on its own; this command is the only thing that does.`,
	Run: func(cmd *cobra.Command, args []string) {
		repoRoot, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		store, err := objectstore.Open(repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		opts := recovery.GCOptions{Keep: gcKeep}
		if gcOlderThan != "" {
			d, err := time.ParseDuration(gcOlderThan)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: --older-than: %v\n", err)
				os.Exit(1)
			}
			opts.OlderThan = time.Now().Add(-d)
		}

		removed, err := recovery.GC(context.Background(), store, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(removed) == 0 {
			fmt.Println("nothing to prune")
			return
		}
		for _, r := range removed {
			fmt.Printf("removed %s\n", r.Name)
		}
	},
}

func init() {
	gcCmd.Flags().StringVar(&gcOlderThan, "older-than", "", "prune recovery refs minted before this long ago, e.g. 168h (empty disables age filtering)")
	gcCmd.Flags().IntVar(&gcKeep, "keep", 5, "always keep this many most-recent recovery refs per workspace")
	rootCmd.AddCommand(gcCmd)
}
