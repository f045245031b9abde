package astmerge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/manifold-vcs/maw/internal/resolve"
)

// WASMPack hosts one compiled language pack (configured under
// merge.ast.packs, e.g. "web", "backend") via tetratelabs/wazero, a
// sandboxed runtime. A pack module runs as a WASI command invoked with the
// argument "merge": it reads a JSON request from stdin and writes a JSON
// response to stdout.
type WASMPack struct {
	Name       string
	Extensions []string
	WASMPath   string

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// LoadWASMPack compiles the module at wasmPath under a fresh wazero
// runtime. The runtime is reused across Merge calls; Close releases it.
func LoadWASMPack(ctx context.Context, name, wasmPath string, extensions []string) (*WASMPack, error) {
	data, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("astmerge: read language pack %s: %w", wasmPath, err)
	}

	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("astmerge: instantiate WASI for pack %s: %w", name, err)
	}
	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("astmerge: compile language pack %s: %w", name, err)
	}

	return &WASMPack{Name: name, Extensions: extensions, WASMPath: wasmPath, runtime: rt, compiled: compiled}, nil
}

// Close releases the pack's wazero runtime.
func (p *WASMPack) Close(ctx context.Context) error {
	if p.runtime == nil {
		return nil
	}
	return p.runtime.Close(ctx)
}

// SupportsExt reports whether ext is one of the pack's configured
// extensions (e.g. ".ts", ".tsx" for a "web" pack).
func (p *WASMPack) SupportsExt(ext string) bool {
	for _, e := range p.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// wasmRequest/wasmResponse are the JSON contract a language pack module
// speaks over stdin/stdout, mirroring resolve.ASTMerger.Merge's shape so
// the host adapter does no semantic work of its own.
type wasmRequest struct {
	Path          string            `json:"path"`
	Base          string            `json:"base"`
	Variants      map[string]string `json:"variants"`
	MinConfidence int               `json:"min_confidence"`
}

type wasmResponse struct {
	OK         bool   `json:"ok"`
	Merged     string `json:"merged,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
}

// Merge instantiates a fresh module instance per call (language packs are
// not assumed reentrant) and round-trips a merge request through its WASI
// stdin/stdout.
func (p *WASMPack) Merge(ctx context.Context, path string, base []byte, variants map[string][]byte, minConfidence int) ([]byte, bool, resolve.Reason, int, error) {
	req := wasmRequest{Path: path, Base: string(base), MinConfidence: minConfidence, Variants: make(map[string]string, len(variants))}
	for ws, content := range variants {
		req.Variants[ws] = string(content)
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, false, "", 0, fmt.Errorf("astmerge: marshal request for pack %s: %w", p.Name, err)
	}

	stdin := bytes.NewReader(reqBytes)
	stdout := &bytes.Buffer{}

	cfg := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(stdout).
		WithArgs(p.Name, "merge")

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, false, "", 0, fmt.Errorf("astmerge: run pack %s on %s: %w", p.Name, path, err)
	}
	defer mod.Close(ctx)

	var resp wasmResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, false, "", 0, fmt.Errorf("astmerge: parse pack %s response for %s: %w", p.Name, path, err)
	}
	if !resp.OK {
		return nil, false, "", 0, nil
	}
	return []byte(resp.Merged), true, resolve.Reason(resp.Reason), resp.Confidence, nil
}
