package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/quarantine"
)

const (
	epochRefName  = "refs/manifold/epoch/current"
	branchRefBase = "refs/heads/"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and resolve quarantined merge candidates",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined candidates",
	Run: func(cmd *cobra.Command, args []string) {
		repoRoot, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		entries, err := quarantine.List(repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("no quarantined candidates")
			return
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", e.MergeID, e.Path)
		}
	},
}

var quarantinePromoteCmd = &cobra.Command{
	Use:   "promote <merge-id>",
	Short: "Promote a quarantined candidate, advancing the epoch and branch to it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mergeID := args[0]
		repoRoot, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ctx := context.Background()
		store, err := objectstore.Open(repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		entries, err := quarantine.List(repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		var entry *quarantine.Entry
		for i := range entries {
			if entries[i].MergeID == mergeID {
				entry = &entries[i]
				break
			}
		}
		if entry == nil {
			fmt.Fprintf(os.Stderr, "Error: no quarantined candidate %q\n", mergeID)
			os.Exit(1)
		}

		// The epoch the candidate was built on is its parent; expecting it
		// makes the CAS fail if the epoch has advanced since quarantine.
		candidateCommit, err := store.ReadCommit(ctx, entry.Candidate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(candidateCommit.Parents) == 0 {
			fmt.Fprintf(os.Stderr, "Error: quarantined candidate %s has no parent epoch\n", entry.Candidate)
			os.Exit(1)
		}
		epoch := candidateCommit.Parents[0]
		branch := branchFlag
		branchTip, _, err := store.ResolveRef(ctx, branchRefBase+branch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := quarantine.Promote(ctx, store, *entry, epochRefName, branchRefBase+branch, epoch, branchTip); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("promoted %s\n", mergeID)
	},
}

var quarantineAbandonCmd = &cobra.Command{
	Use:   "abandon <merge-id>",
	Short: "Discard a quarantined candidate without moving any ref",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mergeID := args[0]
		repoRoot, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ctx := context.Background()
		store, err := objectstore.Open(repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		entries, err := quarantine.List(repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if e.MergeID == mergeID {
				if err := quarantine.Abandon(ctx, store, e); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("abandoned %s\n", mergeID)
				return
			}
		}
		fmt.Fprintf(os.Stderr, "Error: no quarantined candidate %q\n", mergeID)
		os.Exit(1)
	},
}

var branchFlag string

func init() {
	quarantineCmd.PersistentFlags().StringVar(&branchFlag, "branch", "main", "branch ref to advance alongside the epoch")
	quarantineCmd.AddCommand(quarantineListCmd, quarantinePromoteCmd, quarantineAbandonCmd)
	rootCmd.AddCommand(quarantineCmd)
}
