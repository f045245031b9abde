package fileid

import (
	"path/filepath"
	"testing"
)

func TestMintOrLookupIsStable(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "fileids"))
	if err != nil {
		t.Fatal(err)
	}

	first := m.MintOrLookup("src/main.go")
	second := m.MintOrLookup("src/main.go")
	if first != second {
		t.Fatalf("expected stable id, got %s then %s", first, second)
	}

	other := m.MintOrLookup("src/lib.go")
	if other == first {
		t.Fatal("expected distinct ids for distinct paths")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fileids")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	id := m.MintOrLookup("a/b.txt")
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Lookup("a/b.txt")
	if !ok || got != id {
		t.Fatalf("expected %s, got %s (ok=%v)", id, got, ok)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Lookup("anything"); ok {
		t.Fatal("expected empty map")
	}
}
