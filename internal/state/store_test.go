package state

import (
	"errors"
	"testing"

	"bridgehub/internal/errcode"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMillis() int64 { return c.ms }

func TestSet_CreatesOwnedEntry(t *testing.T) {
	s := New(fixedClock{ms: 1000})

	d, err := s.Set("x.y", 1.0, "app.a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a delta for a new write")
	}
	if d.HasPrevious {
		t.Fatal("creation delta must not have a previous version")
	}

	e := s.Get("x.y")
	if e == nil || e.Value != 1.0 || e.Owner != "app.a" || e.Stale {
		t.Fatalf("unexpected entry after set: %+v", e)
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}
}

func TestSet_OwnershipConflict(t *testing.T) {
	s := New(fixedClock{ms: 1000})

	if _, err := s.Set("x.y", 1.0, "app.a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.Set("x.y", 2.0, "app.b")
	if err == nil {
		t.Fatal("expected STATE_CONFLICT for a write by a non-owner")
	}
	var ce *errcode.Error
	if !errors.As(err, &ce) || ce.Code != errcode.StateConflict {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}

	e := s.Get("x.y")
	if e.Value != 1.0 || e.Version != 1 {
		t.Fatalf("rejected write must not change the entry, got %+v", e)
	}
}

func TestSet_StructurallyEqualIsNoOp(t *testing.T) {
	s := New(fixedClock{ms: 1000})

	if _, err := s.Set("a.b", map[string]interface{}{"x": 1.0}, "app.a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	verBefore := s.Version()

	d, err := s.Set("a.b", map[string]interface{}{"x": 1.0}, "app.a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != nil {
		t.Fatal("structurally equal write must return no delta")
	}
	if s.Version() != verBefore {
		t.Fatal("structurally equal write must not bump global version")
	}
}

func TestDelete_EmitsFinalDeltaAndRemoves(t *testing.T) {
	s := New(fixedClock{ms: 1000})
	s.Set("a.b", 1.0, "app.a")

	d, err := s.Delete("a.b", "app.a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || !d.Deleted || d.PreviousVersion != 1 {
		t.Fatalf("unexpected delete delta: %+v", d)
	}
	if s.Has("a.b") {
		t.Fatal("entry should be removed after delete")
	}
}

func TestMarkAndClearOwnerStale_Idempotent(t *testing.T) {
	s := New(fixedClock{ms: 1000})
	s.Set("companion.variables.v", 1.0, "companion.satellite")

	deltas := s.MarkOwnerStale("companion.satellite")
	if len(deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(deltas))
	}
	e := s.Get("companion.variables.v")
	if !e.Stale || e.Version != 2 {
		t.Fatalf("expected stale=true, version=2, got %+v", e)
	}

	// Idempotent: calling again with the same state produces no deltas.
	deltas = s.MarkOwnerStale("companion.satellite")
	if len(deltas) != 0 {
		t.Fatalf("expected no-op on second MarkOwnerStale, got %d deltas", len(deltas))
	}

	deltas = s.ClearOwnerStale("companion.satellite")
	if len(deltas) != 1 {
		t.Fatalf("expected 1 delta clearing stale, got %d", len(deltas))
	}
	e = s.Get("companion.variables.v")
	if e.Stale || e.Version != 3 {
		t.Fatalf("expected stale=false, version=3, got %+v", e)
	}
}

func TestListener_PanicDoesNotBlockOthers(t *testing.T) {
	s := New(fixedClock{ms: 1000})

	var calledB bool
	s.AddListener(func(d Delta) {
		panic("boom")
	})
	s.AddListener(func(d Delta) {
		calledB = true
	})

	s.Set("a.b", 1.0, "app.a")

	if !calledB {
		t.Fatal("a panicking listener must not prevent delivery to subsequent listeners")
	}
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"companion.variables.*", "companion.variables.tally", true},
		{"companion.variables.*", "companion.variables.tally.extra", false},
		{"companion.variables.**", "companion.variables.tally.extra", true},
		{"companion.variables.**", "companion.variables", false},
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
	}

	for _, c := range cases {
		re, err := CompilePattern(c.pattern)
		if err != nil {
			t.Fatalf("CompilePattern(%q) failed: %v", c.pattern, err)
		}
		got := re.MatchString(c.path)
		if got != c.want {
			t.Errorf("pattern %q vs path %q: got %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestGetMatchingEntries_OrderedByPath(t *testing.T) {
	s := New(fixedClock{ms: 1000})
	s.Set("companion.variables.z", 1.0, "companion.satellite")
	s.Set("companion.variables.a", 2.0, "companion.satellite")

	entries, err := s.GetMatchingEntries("companion.variables.*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].Path != "companion.variables.a" {
		t.Fatalf("expected alphabetical order, got %+v", entries)
	}
}
