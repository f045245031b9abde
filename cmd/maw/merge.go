package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manifold-vcs/maw/internal/engine"
)

var (
	mergeSources string
	mergeDestroy bool
	mergeID      string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge one or more workspaces into the current epoch",
	Run: func(cmd *cobra.Command, args []string) {
		sources := splitCSV(mergeSources)
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "Error: --sources is required")
			os.Exit(1)
		}

		repoRoot, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		e, err := engine.New(ctx, repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		id := mergeID
		if id == "" {
			id = "merge-" + strings.Join(sources, "-")
		}

		outcome, err := e.Merge(ctx, id, sources, mergeDestroy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if len(outcome.Conflicts) > 0 {
				fmt.Fprintf(os.Stderr, "%d path(s) in conflict:\n", len(outcome.Conflicts))
				for _, c := range outcome.Conflicts {
					fmt.Fprintf(os.Stderr, "  %s (%s, confidence %d)\n", c.Path, c.Reason, c.Confidence)
				}
			}
			if outcome.Quarantine != nil {
				fmt.Fprintf(os.Stderr, "candidate quarantined at %s\n", outcome.Quarantine.Path)
			}
			os.Exit(1)
		}
		if outcome.Quarantine != nil {
			fmt.Printf("candidate quarantined at %s\n", outcome.Quarantine.Path)
			return
		}

		fmt.Printf("merged %s into epoch %s\n", strings.Join(sources, ", "), outcome.Candidate)
	},
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	mergeCmd.Flags().StringVar(&mergeSources, "sources", "", "comma-separated workspace ids to merge")
	mergeCmd.Flags().BoolVar(&mergeDestroy, "destroy", true, "destroy source workspaces after a successful merge")
	mergeCmd.Flags().StringVar(&mergeID, "id", "", "merge identifier (default derived from sources)")
	rootCmd.AddCommand(mergeCmd)
}
