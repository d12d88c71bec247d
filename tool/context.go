package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lacehq/lace/thread"
)

// RestrictionNoEscapeCWD confines path arguments to the working directory.
const RestrictionNoEscapeCWD = "no-escape-cwd"

// Context carries per-call environment into tool executions. Cancellation
// travels on the context.Context passed to Execute, not here.
type Context struct {
	// WorkingDirectory anchors relative path arguments.
	WorkingDirectory string

	// ThreadID is the thread the call's events land on.
	ThreadID thread.ID

	// SessionID is the session root thread id, used for approval caching
	// and task scoping.
	SessionID thread.ID

	// Restrictions are session-level constraints tools must honor.
	Restrictions []string

	// OnApprovalWait, when set, is called just before a call blocks on
	// an approval decision.
	OnApprovalWait func()

	// OnExecuteStart, when set, is called after gating passes, just
	// before the tool runs.
	OnExecuteStart func()
}

// HasRestriction reports whether the named restriction is active.
func (tc *Context) HasRestriction(name string) bool {
	if tc == nil {
		return false
	}
	for _, r := range tc.Restrictions {
		if r == name {
			return true
		}
	}
	return false
}

// ResolvePath resolves a path argument against the working directory.
// Relative paths are joined to WorkingDirectory; absolute paths pass
// through. Under the no-escape-cwd restriction, paths resolving outside
// the working directory are rejected.
func (tc *Context) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		base := "."
		if tc != nil && tc.WorkingDirectory != "" {
			base = tc.WorkingDirectory
		}
		resolved = filepath.Join(base, resolved)
	}
	resolved = filepath.Clean(resolved)

	if tc.HasRestriction(RestrictionNoEscapeCWD) && tc.WorkingDirectory != "" {
		rel, err := filepath.Rel(tc.WorkingDirectory, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q escapes working directory", path)
		}
	}
	return resolved, nil
}
