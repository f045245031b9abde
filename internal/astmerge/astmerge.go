// Package astmerge implements the structural-merge step of path
// resolution: it runs when line-level diff3 and shifted-code detection
// both leave a path in conflict. Go sources are merged natively with
// go/ast; every other configured language routes through a WASM-hosted
// language pack (wasmpack.go) via tetratelabs/wazero, a sandboxed runtime.
package astmerge

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manifold-vcs/maw/internal/config"
	"github.com/manifold-vcs/maw/internal/resolve"
)

// packExtensions maps the pack names recognized by merge.ast.packs to the
// file extensions each pack covers. "core" is Go, handled natively and
// never loaded as a WASM module.
var packExtensions = map[string][]string{
	"web":     {".ts", ".tsx", ".js", ".jsx"},
	"backend": {".py", ".rb"},
}

// NewMerger builds a Merger from merge.ast configuration, loading a WASM
// pack module for every configured pack other than "core" found at
// .manifold/ast-packs/<pack>.wasm. A pack whose module is missing is
// skipped rather than failing the whole merge: AST merge is a best-effort
// upgrade over line-level diff3, not a hard requirement.
func NewMerger(ctx context.Context, manifoldDir string, ast config.AST) (*Merger, error) {
	m := &Merger{
		GoExtensions:           []string{".go"},
		MinConfidence:          ast.SemanticMinConfidence,
		FalsePositiveBudgetPct: ast.SemanticFalsePositiveBudgetPct,
	}
	for _, pack := range ast.Packs {
		if pack == "core" {
			continue
		}
		exts, known := packExtensions[pack]
		if !known {
			continue
		}
		wasmPath := filepath.Join(manifoldDir, "ast-packs", pack+".wasm")
		if _, err := os.Stat(wasmPath); err != nil {
			continue
		}
		loaded, err := LoadWASMPack(ctx, pack, wasmPath, exts)
		if err != nil {
			return nil, fmt.Errorf("astmerge: load pack %s: %w", pack, err)
		}
		m.Packs = append(m.Packs, loaded)
	}
	return m, nil
}

// Item is one top-level declaration identified for structural merge,
// keyed by kind plus name (or positional index for unnamed items) plus
// its byte range in the base file.
type Item struct {
	Kind      string // "func", "type", "var", "const", "import"
	Name      string
	Index     int // positional index among same-kind unnamed items
	StartByte int
	EndByte   int
	FirstLine string // first line of source, used for signature-drift detection
}

func (it Item) key() string {
	if it.Name != "" {
		return it.Kind + ":" + it.Name
	}
	return fmt.Sprintf("%s:#%d", it.Kind, it.Index)
}

// Merger implements resolve.ASTMerger for Go sources natively and defers
// to configured WASM language packs for everything else.
type Merger struct {
	GoExtensions           []string // defaults to []string{".go"} when empty
	Packs                  []*WASMPack
	MinConfidence          int
	FalsePositiveBudgetPct int
}

var _ resolve.ASTMerger = (*Merger)(nil)

// SupportsPath reports whether m can structurally merge path: natively for
// Go, or via a loaded WASM pack whose extension list covers it.
func (m *Merger) SupportsPath(path string) bool {
	ext := filepath.Ext(path)
	exts := m.GoExtensions
	if len(exts) == 0 {
		exts = []string{".go"}
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	for _, p := range m.Packs {
		if p.SupportsExt(ext) {
			return true
		}
	}
	return false
}

// Merge attempts a structural merge of base against every variant. Non-Go
// paths are delegated to the first matching WASM pack.
func (m *Merger) Merge(ctx context.Context, path string, base []byte, variants map[string][]byte) ([]byte, bool, resolve.Reason, int, error) {
	ext := filepath.Ext(path)
	isGo := ext == ".go"
	for _, e := range m.GoExtensions {
		if ext == e {
			isGo = true
		}
	}
	if isGo {
		return m.mergeGo(path, base, variants)
	}
	for _, p := range m.Packs {
		if p.SupportsExt(ext) {
			return p.Merge(ctx, path, base, variants, m.confidenceGate())
		}
	}
	return nil, false, "", 0, nil
}

func (m *Merger) confidenceGate() int {
	gate := 100 - 2*m.FalsePositiveBudgetPct
	if m.MinConfidence > gate {
		return m.MinConfidence
	}
	return gate
}

// mergeGo parses base and every variant, identifies top-level declaration
// items by (kind, name|index), and merges per item: an item touched by
// exactly one variant (relative to base) is taken as-is; an item touched
// identically by several variants is taken once; genuinely divergent
// edits to the same item fall through to a conflict, classified per the
// tie-break rule table.
func (m *Merger) mergeGo(path string, base []byte, variants map[string][]byte) ([]byte, bool, resolve.Reason, int, error) {
	baseItems, packageClause, baseOK := parseItems(base)
	if !baseOK {
		return nil, false, "", 0, nil
	}

	variantItems := make(map[string]map[string]Item, len(variants))
	variantSrc := make(map[string][]byte, len(variants))
	for ws, content := range variants {
		if content == nil {
			variantItems[ws] = nil // deleted
			continue
		}
		items, _, ok := parseItems(content)
		if !ok {
			return nil, false, "", 0, nil // unparsable variant, can't structurally merge
		}
		byKey := make(map[string]Item, len(items))
		for _, it := range items {
			byKey[it.key()] = it
		}
		variantItems[ws] = byKey
		variantSrc[ws] = content
	}

	baseByKey := make(map[string]Item, len(baseItems))
	var order []string
	for _, it := range baseItems {
		baseByKey[it.key()] = it
		order = append(order, it.key())
	}
	// Items added by some variant but absent from base are appended after
	// base's own items, sorted by workspace id then declaration order.
	seenAdded := make(map[string]bool)
	var addedKeys []string
	wsNames := make([]string, 0, len(variants))
	for ws := range variants {
		wsNames = append(wsNames, ws)
	}
	sort.Strings(wsNames)
	for _, ws := range wsNames {
		items := variantItems[ws]
		var wsAdded []string
		for k := range items {
			if _, inBase := baseByKey[k]; !inBase && !seenAdded[k] {
				seenAdded[k] = true
				wsAdded = append(wsAdded, k)
			}
		}
		sort.Slice(wsAdded, func(i, j int) bool { return items[wsAdded[i]].StartByte < items[wsAdded[j]].StartByte })
		addedKeys = append(addedKeys, wsAdded...)
	}

	var mergedSrc strings.Builder
	mergedSrc.WriteString(packageClause)
	mergedSrc.WriteString("\n\n")
	usedConflict := false
	var conflictReason resolve.Reason
	conflictConfidence := 0

	resolveItem := func(key string, baseItem *Item) (string, bool) {
		var edits []edit
		for ws, items := range variantItems {
			if items == nil {
				edits = append(edits, edit{ws: ws, deleted: true})
				continue
			}
			it, ok := items[key]
			if !ok {
				if baseItem != nil {
					edits = append(edits, edit{ws: ws, deleted: true})
				}
				continue
			}
			if baseItem != nil && string(variantSrc[ws][it.StartByte:it.EndByte]) == string(base[baseItem.StartByte:baseItem.EndByte]) {
				continue // unchanged in this variant
			}
			edits = append(edits, edit{ws: ws, text: string(variantSrc[ws][it.StartByte:it.EndByte])})
		}
		if len(edits) == 0 {
			if baseItem == nil {
				return "", false
			}
			return string(base[baseItem.StartByte:baseItem.EndByte]), true
		}
		if len(edits) == 1 {
			if edits[0].deleted {
				return "", true
			}
			return edits[0].text, true
		}
		// Multiple variants touched this item: accept if identical,
		// otherwise classify and surface a conflict.
		allSame := true
		for _, e := range edits[1:] {
			if e.deleted != edits[0].deleted || e.text != edits[0].text {
				allSame = false
				break
			}
		}
		if allSame {
			if edits[0].deleted {
				return "", true
			}
			return edits[0].text, true
		}

		reason, confidence := classify(edits, baseItem)
		if !usedConflict || confidence > conflictConfidence {
			usedConflict = true
			conflictReason = reason
			conflictConfidence = confidence
		}
		return "", false
	}

	for _, key := range order {
		it := baseByKey[key]
		text, ok := resolveItem(key, &it)
		if usedConflict {
			break
		}
		if ok && text != "" {
			mergedSrc.WriteString(text)
			if !strings.HasSuffix(text, "\n") {
				mergedSrc.WriteByte('\n')
			}
		}
	}
	if usedConflict {
		gate := m.confidenceGate()
		if conflictConfidence < gate {
			conflictReason = resolve.ReasonSameASTNodeModified
		}
		return nil, false, conflictReason, conflictConfidence, nil
	}
	for _, key := range addedKeys {
		text, ok := resolveItem(key, nil)
		if usedConflict {
			break
		}
		if ok && text != "" {
			mergedSrc.WriteString(text)
			if !strings.HasSuffix(text, "\n") {
				mergedSrc.WriteByte('\n')
			}
		}
	}
	if usedConflict {
		gate := m.confidenceGate()
		if conflictConfidence < gate {
			conflictReason = resolve.ReasonSameASTNodeModified
		}
		return nil, false, conflictReason, conflictConfidence, nil
	}

	return []byte(mergedSrc.String()), true, "", 0, nil
}

type edit = struct {
	ws      string
	deleted bool
	text    string
}

// classify assigns a semantic rule name and confidence: modify/delete
// collisions are symbol_lifecycle; differing first-line signatures are
// signature_drift; any other add/modify collision is
// incompatible_api_edits; anything left falls back to same_ast_node_modified.
func classify(edits []edit, baseItem *Item) (resolve.Reason, int) {
	sawDelete, sawModify := false, false
	firstLines := make(map[string]bool)
	for _, e := range edits {
		if e.deleted {
			sawDelete = true
			continue
		}
		sawModify = true
		firstLines[firstLine(e.text)] = true
	}
	if sawDelete && sawModify {
		return resolve.ReasonSymbolLifecycle, 92
	}
	if len(firstLines) > 1 {
		return resolve.ReasonSignatureDrift, 86
	}
	if sawModify {
		return resolve.ReasonIncompatibleAPIEdits, 74
	}
	return resolve.ReasonSameASTNodeModified, 65
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseItems parses Go source into its top-level declaration items, plus
// the verbatim "package <name>" clause (which go/ast tracks as file.Name
// rather than a Decl, so it needs separate handling when reconstructing
// merged output). ok is false if src does not parse as Go (structural
// merge cannot apply).
func parseItems(src []byte) (items []Item, packageClause string, ok bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, "", false
	}
	packageClause = "package " + file.Name.Name

	counts := make(map[string]int)
	nextIndex := func(kind string) int {
		n := counts[kind]
		counts[kind] = n + 1
		return n
	}

	for _, decl := range file.Decls {
		start := fset.Position(decl.Pos()).Offset
		end := fset.Position(decl.End()).Offset
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				name = receiverTypeName(d.Recv.List[0].Type) + "." + name
			}
			items = append(items, Item{Kind: "func", Name: name, StartByte: start, EndByte: end, FirstLine: firstSourceLine(src, start)})
		case *ast.GenDecl:
			if len(d.Specs) == 0 {
				kind := genDeclKind(d.Tok)
				items = append(items, Item{Kind: kind, Index: nextIndex(kind), StartByte: start, EndByte: end, FirstLine: firstSourceLine(src, start)})
				continue
			}
			for _, spec := range d.Specs {
				sStart := fset.Position(spec.Pos()).Offset
				sEnd := fset.Position(spec.End()).Offset
				kind := genDeclKind(d.Tok)
				name := specName(spec)
				if name == "" {
					items = append(items, Item{Kind: kind, Index: nextIndex(kind), StartByte: sStart, EndByte: sEnd, FirstLine: firstSourceLine(src, sStart)})
				} else {
					items = append(items, Item{Kind: kind, Name: name, StartByte: sStart, EndByte: sEnd, FirstLine: firstSourceLine(src, sStart)})
				}
			}
		}
	}
	return items, packageClause, true
}

func genDeclKind(tok token.Token) string {
	switch tok {
	case token.IMPORT:
		return "import"
	case token.CONST:
		return "const"
	case token.TYPE:
		return "type"
	case token.VAR:
		return "var"
	default:
		return "decl"
	}
}

func specName(spec ast.Spec) string {
	switch s := spec.(type) {
	case *ast.TypeSpec:
		return s.Name.Name
	case *ast.ValueSpec:
		if len(s.Names) > 0 {
			return s.Names[0].Name
		}
	case *ast.ImportSpec:
		return s.Path.Value
	}
	return ""
}

func receiverTypeName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(e.X)
	case *ast.Ident:
		return e.Name
	default:
		return "?"
	}
}

func firstSourceLine(src []byte, offset int) string {
	if offset < 0 || offset >= len(src) {
		return ""
	}
	rest := src[offset:]
	if i := strings.IndexByte(string(rest), '\n'); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}
