package tool

import (
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	tc := &Context{WorkingDirectory: "/work/project"}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"relative", "notes.txt", "/work/project/notes.txt"},
		{"nested relative", "src/main.go", "/work/project/src/main.go"},
		{"dot segments collapse", "./src/../notes.txt", "/work/project/notes.txt"},
		{"absolute passes through", "/etc/hosts", "/etc/hosts"},
		{"escape allowed without restriction", "../other/file", "/work/other/file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tc.ResolvePath(tt.path)
			if err != nil {
				t.Fatalf("ResolvePath(%q): %v", tt.path, err)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("ResolvePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}

	if _, err := tc.ResolvePath(""); err == nil {
		t.Error("empty path should be rejected")
	}
}

func TestResolvePathNoEscapeCWD(t *testing.T) {
	tc := &Context{
		WorkingDirectory: "/work/project",
		Restrictions:     []string{RestrictionNoEscapeCWD},
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside cwd", "src/main.go", false},
		{"cwd itself", ".", false},
		{"parent escape", "../secrets", true},
		{"deep escape", "src/../../other", true},
		{"absolute outside", "/etc/passwd", true},
		{"absolute inside", "/work/project/file", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.ResolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestHasRestriction(t *testing.T) {
	var nilCtx *Context
	if nilCtx.HasRestriction(RestrictionNoEscapeCWD) {
		t.Error("nil context has no restrictions")
	}
	tc := &Context{Restrictions: []string{RestrictionNoEscapeCWD}}
	if !tc.HasRestriction(RestrictionNoEscapeCWD) {
		t.Error("restriction should be reported")
	}
	if tc.HasRestriction("other") {
		t.Error("unknown restriction reported")
	}
}
