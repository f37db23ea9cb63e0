package ppdberr

import (
	"errors"
	"testing"
)

func TestIsAndCodeOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(NotFound, "lookup failed", base)

	if !Is(wrapped, NotFound) {
		t.Fatalf("expected Is(wrapped, NotFound) to be true")
	}
	if Is(wrapped, Busy) {
		t.Fatalf("expected Is(wrapped, Busy) to be false")
	}
	if CodeOf(wrapped) != NotFound {
		t.Fatalf("CodeOf = %v, want NotFound", CodeOf(wrapped))
	}
	if !errors.Is(wrapped, wrapped) {
		t.Fatalf("errors.Is should be reflexive")
	}
	if CodeOf(base) != IO {
		t.Fatalf("CodeOf(untyped) = %v, want IO default", CodeOf(base))
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(InvalidParam, "bad key length")
	if e.Error() == "" {
		t.Fatalf("expected non-empty message")
	}
	if e.File == "" || e.Line == 0 {
		t.Fatalf("expected caller context to be captured, got file=%q line=%d", e.File, e.Line)
	}
}
