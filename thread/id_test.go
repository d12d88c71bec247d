package thread

import (
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	id := NewID(now)

	if !id.IsValid() {
		t.Errorf("NewID produced invalid id %q", id)
	}
	if id.IsDelegate() {
		t.Errorf("NewID produced delegate id %q", id)
	}
	want := "lace_20250615_"
	if got := string(id)[:len(want)]; got != want {
		t.Errorf("id prefix = %q, want %q", got, want)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"base id", "lace_20250101_abc123", false},
		{"delegate", "lace_20250101_abc123.1", false},
		{"nested delegate", "lace_20250101_abc123.1.2", false},
		{"deep nesting", "lace_20250101_abc123.12.3.45", false},
		{"empty", "", true},
		{"wrong prefix", "task_20250101_abc123", true},
		{"short date", "lace_2025011_abc123", true},
		{"uppercase suffix", "lace_20250101_ABC123", true},
		{"short random", "lace_20250101_abc12", true},
		{"trailing dot", "lace_20250101_abc123.", true},
		{"non-numeric suffix", "lace_20250101_abc123.x", true},
		{"double dot", "lace_20250101_abc123..1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseID(%q) = %q, want error", tt.input, id)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseID(%q) error: %v", tt.input, err)
			}
			if string(id) != tt.input {
				t.Errorf("ParseID(%q) = %q", tt.input, id)
			}
		})
	}
}

func TestIDHierarchy(t *testing.T) {
	base := ID("lace_20250101_abc123")
	child := base.Child(2)
	grandchild := child.Child(1)

	if child != "lace_20250101_abc123.2" {
		t.Errorf("Child(2) = %q", child)
	}
	if !child.IsDelegate() || base.IsDelegate() {
		t.Error("IsDelegate misclassified base or child")
	}
	if got := grandchild.Root(); got != base {
		t.Errorf("Root() = %q, want %q", got, base)
	}
	if got := grandchild.Parent(); got != child {
		t.Errorf("Parent() = %q, want %q", got, child)
	}
	if got := base.Parent(); got != base {
		t.Errorf("Parent of base = %q, want itself", got)
	}
	if !child.IsChildOf(base) {
		t.Error("child should be direct child of base")
	}
	if grandchild.IsChildOf(base) {
		t.Error("grandchild is not a direct child of base")
	}
	if !grandchild.IsDescendantOf(base) {
		t.Error("grandchild should be descendant of base")
	}
	if base.IsDescendantOf(base) {
		t.Error("a thread is not its own descendant")
	}

	n, ok := child.ChildSuffix(base)
	if !ok || n != 2 {
		t.Errorf("ChildSuffix = %d, %v; want 2, true", n, ok)
	}
	if _, ok := grandchild.ChildSuffix(base); ok {
		t.Error("ChildSuffix should reject indirect descendants")
	}
}
