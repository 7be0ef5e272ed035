package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Fatalf("expected 36 chars, got %d (%q)", len(id), id)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("expected 5 dash-separated groups, got %d", len(parts))
	}
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(parts[i]) != want {
			t.Errorf("group %d: expected %d chars, got %d", i, want, len(parts[i]))
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixSession)
	if !strings.HasPrefix(id, "ses_") {
		t.Errorf("expected ses_ prefix, got %q", id)
	}
	if len(id) != len("ses_")+24 {
		t.Errorf("expected prefix plus 24 hex chars, got %d chars", len(id))
	}
}

func TestHex_Length(t *testing.T) {
	for _, n := range []int{1, 12, 32} {
		if got := Hex(n); len(got) != 2*n {
			t.Errorf("Hex(%d): expected %d chars, got %d", n, 2*n, len(got))
		}
	}
}
