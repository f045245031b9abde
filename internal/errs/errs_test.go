package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewSetsDefaultNextAction(t *testing.T) {
	e := New(KindConflict, "resolve", []string{"ws-a", "ws-b"}, "path %s in conflict", "x.go")
	if e.NextAction != "inspect" {
		t.Fatalf("NextAction = %q, want inspect", e.NextAction)
	}
	if e.Message != "path x.go in conflict" {
		t.Fatalf("Message = %q", e.Message)
	}
}

func TestErrorIsMatchesSentinel(t *testing.T) {
	e := New(KindRefRaced, "commit", nil, "stale ref")
	if !errors.Is(e, RefRaced) {
		t.Fatal("errors.Is(e, RefRaced) = false")
	}
	if errors.Is(e, ConflictKind) {
		t.Fatal("errors.Is(e, ConflictKind) = true, want false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	e := Wrap(KindBackendError, "snapshot", nil, cause, "git failed")
	if errors.Unwrap(e) != cause {
		t.Fatal("Unwrap did not return the wrapped cause")
	}
}

func TestIsRetryableAndIsFatal(t *testing.T) {
	if !IsRetryable(New(KindRefRaced, "", nil, "x")) {
		t.Fatal("ref-raced should be retryable")
	}
	if !IsRetryable(New(KindValidationTimeout, "", nil, "x")) {
		t.Fatal("validation-timeout should be retryable")
	}
	if IsRetryable(New(KindConflict, "", nil, "x")) {
		t.Fatal("conflict should not be retryable")
	}
	if !IsFatal(New(KindAssuranceViolation, "", nil, "x")) {
		t.Fatal("assurance-violation should be fatal")
	}
	if IsFatal(New(KindConflict, "", nil, "x")) {
		t.Fatal("conflict should not be fatal")
	}
}

func TestErrorStringIncludesContext(t *testing.T) {
	e := New(KindConflict, "resolve", []string{"ws-a"}, "x.go")
	s := e.Error()
	if s == "" {
		t.Fatal("Error() returned empty string")
	}
}
