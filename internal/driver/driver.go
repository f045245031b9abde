// Package driver implements the custom merge-driver hook: per-path-glob
// overrides that replace the default resolution steps with
// regenerate/ours/theirs behavior.
package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Kind is the closed set of driver behaviors.
type Kind string

const (
	KindRegenerate Kind = "regenerate"
	KindOurs       Kind = "ours"
	KindTheirs     Kind = "theirs"
)

// Driver is one merge.drivers[] config entry.
type Driver struct {
	Match   string // glob
	Kind    Kind
	Command string // required for KindRegenerate
}

// Match returns the first driver whose glob matches path, or nil. Drivers
// are evaluated in configuration order; the first match wins.
func Match(drivers []Driver, path string) *Driver {
	for i := range drivers {
		if ok, _ := filepath.Match(drivers[i].Match, path); ok {
			return &drivers[i]
		}
	}
	return nil
}

// Outcome is what a driver produced for one path.
type Outcome struct {
	Content []byte
	Delete  bool
}

// Run executes d against baseContent and the touched variants' contents
// (workspace id -> content, nil entries mean that variant deleted the
// path). ctx's deadline governs KindRegenerate's external command.
func Run(ctx context.Context, d Driver, path string, baseContent []byte, baseExists bool, variants map[string][]byte) (Outcome, error) {
	switch d.Kind {
	case KindOurs:
		if !baseExists {
			return Outcome{Delete: true}, nil
		}
		return Outcome{Content: baseContent}, nil

	case KindTheirs:
		if len(variants) > 1 {
			return Outcome{}, fmt.Errorf("driver: theirs for %s matched %d variants, need exactly 1", path, len(variants))
		}
		for _, content := range variants {
			if content == nil {
				return Outcome{Delete: true}, nil
			}
			return Outcome{Content: content}, nil
		}
		return Outcome{Delete: true}, nil

	case KindRegenerate:
		if d.Command == "" {
			return Outcome{}, fmt.Errorf("driver: regenerate for %s has no command configured", path)
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", d.Command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.Env = append(cmd.Env, "MANIFOLD_PATH="+path)
		if err := cmd.Run(); err != nil {
			return Outcome{}, fmt.Errorf("driver: regenerate %s: %w: %s", path, err, stderr.String())
		}
		return Outcome{Content: stdout.Bytes()}, nil

	default:
		return Outcome{}, fmt.Errorf("driver: unknown kind %q for %s", d.Kind, path)
	}
}
