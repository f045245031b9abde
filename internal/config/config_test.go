package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Repo.Branch != "main" {
		t.Fatalf("expected default branch main, got %q", cfg.Repo.Branch)
	}
	if cfg.Workspace.Backend != "auto" {
		t.Fatalf("expected default backend auto, got %q", cfg.Workspace.Backend)
	}
}

func TestLoadParsesRecognizedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[repo]
branch = "trunk"

[workspace]
backend = "reflink"
git_compat_refs = false

[merge.validation]
command = "make test"
timeout_seconds = 30
on_failure = "quarantine"

[merge.ast]
languages = ["go", "typescript"]
semantic_min_confidence = 85
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Repo.Branch != "trunk" {
		t.Fatalf("branch: got %q", cfg.Repo.Branch)
	}
	if cfg.Workspace.Backend != "reflink" || cfg.Workspace.GitCompatRefs {
		t.Fatalf("workspace: got %+v", cfg.Workspace)
	}
	if cfg.Merge.Validation.Command != "make test" || cfg.Merge.Validation.TimeoutSeconds != 30 {
		t.Fatalf("validation: got %+v", cfg.Merge.Validation)
	}
	if cfg.Merge.AST.SemanticMinConfidence != 85 {
		t.Fatalf("ast: got %+v", cfg.Merge.AST)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[repo]\nbanch = \"typo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for unrecognized key")
	}
}
