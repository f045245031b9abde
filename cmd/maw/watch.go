package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/manifold-vcs/maw/internal/config"
	"github.com/manifold-vcs/maw/internal/wsbackend"
)

var watchCmd = &cobra.Command{
	Use:   "watch <workspace-id>",
	Short: "Watch a workspace's files and print change events as they happen",
	Long: `Watch materializes no new state; it is a convenience for an agent
or operator who wants to know when a workspace's contents change without
polling status repeatedly.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
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
		if exists, err := backend.Exists(cmd.Context(), id); err != nil || !exists {
			fmt.Fprintf(os.Stderr, "Error: workspace %q does not exist\n", id)
			os.Exit(1)
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Close()

		path := backend.WorkspacePath(id)
		if err := addTreeRecursive(watcher, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("watching %s (ctrl-c to stop)\n", path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					fmt.Printf("%s\t%s\n", event.Op, event.Name)
				}
				if event.Has(fsnotify.Create) {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
			}
		}
	},
}

// addTreeRecursive registers every directory under root with watcher;
// fsnotify watches are not recursive on their own.
func addTreeRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
