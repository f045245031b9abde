package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manifold-vcs/maw/internal/config"
	"github.com/manifold-vcs/maw/internal/wsbackend"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List workspaces and their state relative to the current epoch",
	Run: func(cmd *cobra.Command, args []string) {
		repoRoot, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		manifoldDir := config.ManifoldDir(repoRoot)
		cfg, err := config.Load(manifoldDir + "/config.toml")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		backend, err := wsbackend.New(cfg.Workspace.Backend, repoRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		infos, err := backend.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "WORKSPACE\tSTATE\tEPOCH\tBEHIND")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", info.ID, info.State, info.Epoch, info.Behind)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
