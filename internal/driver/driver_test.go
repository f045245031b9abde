package driver

import (
	"context"
	"testing"
)

func TestMatchFirstGlobWins(t *testing.T) {
	drivers := []Driver{
		{Match: "*.lock", Kind: KindOurs},
		{Match: "*.go", Kind: KindTheirs},
	}
	d := Match(drivers, "go.sum.lock")
	if d == nil || d.Kind != KindOurs {
		t.Fatalf("Match = %v, want the *.lock driver", d)
	}
	if Match(drivers, "main.py") != nil {
		t.Fatal("Match matched a path with no matching glob")
	}
}

func TestRunOursKeepsBase(t *testing.T) {
	out, err := Run(context.Background(), Driver{Kind: KindOurs}, "f.lock", []byte("base\n"), true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out.Content) != "base\n" || out.Delete {
		t.Fatalf("Run(ours) = %+v", out)
	}
}

func TestRunOursDeletesWhenBaseMissing(t *testing.T) {
	out, err := Run(context.Background(), Driver{Kind: KindOurs}, "f.lock", nil, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Delete {
		t.Fatalf("Run(ours, no base) = %+v, want Delete", out)
	}
}

func TestRunTheirsRequiresExactlyOneVariant(t *testing.T) {
	_, err := Run(context.Background(), Driver{Kind: KindTheirs}, "f.lock", nil, true, map[string][]byte{
		"ws-a": []byte("a\n"),
		"ws-b": []byte("b\n"),
	})
	if err == nil {
		t.Fatal("Run(theirs) with 2 variants should error")
	}
}

func TestRunTheirsTakesTheSingleVariant(t *testing.T) {
	out, err := Run(context.Background(), Driver{Kind: KindTheirs}, "f.lock", nil, true, map[string][]byte{
		"ws-a": []byte("a\n"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out.Content) != "a\n" {
		t.Fatalf("Run(theirs) content = %q", out.Content)
	}
}

func TestRunRegenerateRunsCommand(t *testing.T) {
	out, err := Run(context.Background(), Driver{Kind: KindRegenerate, Command: "echo regenerated"}, "f.lock", nil, true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out.Content) != "regenerated\n" {
		t.Fatalf("Run(regenerate) content = %q", out.Content)
	}
}

func TestRunRegenerateWithoutCommandErrors(t *testing.T) {
	if _, err := Run(context.Background(), Driver{Kind: KindRegenerate}, "f.lock", nil, true, nil); err == nil {
		t.Fatal("Run(regenerate) with no command should error")
	}
}

func TestRunUnknownKindErrors(t *testing.T) {
	if _, err := Run(context.Background(), Driver{Kind: "bogus"}, "f.lock", nil, true, nil); err == nil {
		t.Fatal("Run with unknown kind should error")
	}
}
