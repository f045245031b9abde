// Package config loads .manifold/config.toml with github.com/BurntSushi/toml
// and layers process environment overrides on top with spf13/viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Driver is one entry of merge.drivers[].
type Driver struct {
	Match   string `toml:"match"`
	Kind    string `toml:"kind"` // regenerate | ours | theirs
	Command string `toml:"command"`
}

// Validation is the merge.validation section.
type Validation struct {
	Command        string   `toml:"command"`
	Commands       []string `toml:"commands"`
	Preset         string   `toml:"preset"` // auto | rust | python | typescript
	TimeoutSeconds int      `toml:"timeout_seconds"`
	OnFailure      string   `toml:"on_failure"` // warn | block | quarantine | block-quarantine
}

// AST is the merge.ast section.
type AST struct {
	Languages                      []string `toml:"languages"`
	Packs                          []string `toml:"packs"`
	SemanticMinConfidence          int      `toml:"semantic_min_confidence"`
	SemanticFalsePositiveBudgetPct int      `toml:"semantic_false_positive_budget_pct"`
}

// Merge is the merge section.
type Merge struct {
	Validation Validation `toml:"validation"`
	Drivers    []Driver   `toml:"drivers"`
	AST        AST        `toml:"ast"`
}

// Repo is the repo section.
type Repo struct {
	Branch string `toml:"branch"`
}

// Workspace is the workspace section.
type Workspace struct {
	Backend       string `toml:"backend"` // auto | git-worktree | reflink | overlay | copy
	GitCompatRefs bool   `toml:"git_compat_refs"`
}

// Config is the full decoded shape of .manifold/config.toml.
type Config struct {
	Repo      Repo      `toml:"repo"`
	Workspace Workspace `toml:"workspace"`
	Merge     Merge     `toml:"merge"`
}

// Default returns the configuration a repo has when .manifold/config.toml
// does not exist yet.
func Default() Config {
	return Config{
		Repo:      Repo{Branch: "main"},
		Workspace: Workspace{Backend: "auto", GitCompatRefs: true},
		Merge: Merge{
			Validation: Validation{TimeoutSeconds: 60, OnFailure: "warn"},
			AST:        AST{SemanticMinConfidence: 70, SemanticFalsePositiveBudgetPct: 0},
		},
	}
}

// Load reads path, falling back to Default when the file does not exist.
// Unknown keys are a load error: toml.Decode's MetaData.Undecoded reports
// them, rather than silently guessing at user configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnvOverrides(&cfg)
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config: %s has unrecognized keys: %s", path, strings.Join(keys, ", "))
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers MANIFOLD_-prefixed environment variables over
// the file-derived config, using viper purely as the env-binding layer
// rather than a second config file format.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("MANIFOLD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if b := v.GetString("repo.branch"); b != "" {
		cfg.Repo.Branch = b
	}
	if b := v.GetString("workspace.backend"); b != "" {
		cfg.Workspace.Backend = b
	}
	if v.IsSet("workspace.git_compat_refs") {
		cfg.Workspace.GitCompatRefs = v.GetBool("workspace.git_compat_refs")
	}
	if c := v.GetString("merge.validation.command"); c != "" {
		cfg.Merge.Validation.Command = c
	}
	if v.IsSet("merge.validation.timeout_seconds") {
		cfg.Merge.Validation.TimeoutSeconds = v.GetInt("merge.validation.timeout_seconds")
	}
	if f := v.GetString("merge.validation.on_failure"); f != "" {
		cfg.Merge.Validation.OnFailure = f
	}
}

// ManifoldDir returns the .manifold directory path under repoRoot.
func ManifoldDir(repoRoot string) string {
	return repoRoot + string(os.PathSeparator) + ".manifold"
}
