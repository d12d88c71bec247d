package thread

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lacehq/lace/internal/ident"
)

// ID identifies a thread. Base ids look like lace_20250101_abc123; delegate
// ids extend their parent with dotted numeric suffixes (lace_..._abc123.1.2).
type ID string

var idPattern = regexp.MustCompile(`^lace_[0-9]{8}_[a-z0-9]{6}(\.[0-9]+)*$`)

// NewID generates a fresh base thread id stamped with the given time.
func NewID(now time.Time) ID {
	return ID(ident.New("lace", now))
}

// ParseID validates s against the thread id grammar.
func ParseID(s string) (ID, error) {
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("invalid thread id %q", s)
	}
	return ID(s), nil
}

// IsValid reports whether the id matches the grammar.
func (id ID) IsValid() bool {
	return idPattern.MatchString(string(id))
}

// IsDelegate reports whether the id names a delegate thread.
func (id ID) IsDelegate() bool {
	return strings.Contains(string(id), ".")
}

// Root returns the base id with all delegate suffixes stripped.
func (id ID) Root() ID {
	if i := strings.IndexByte(string(id), '.'); i >= 0 {
		return id[:i]
	}
	return id
}

// Parent returns the immediate parent of a delegate id. For a base id it
// returns the id itself.
func (id ID) Parent() ID {
	if i := strings.LastIndexByte(string(id), '.'); i >= 0 {
		return id[:i]
	}
	return id
}

// Child returns the delegate id formed by appending suffix n.
func (id ID) Child(n int) ID {
	return ID(fmt.Sprintf("%s.%d", id, n))
}

// IsChildOf reports whether id is a direct delegate of parent.
func (id ID) IsChildOf(parent ID) bool {
	rest, ok := strings.CutPrefix(string(id), string(parent)+".")
	if !ok {
		return false
	}
	_, err := strconv.Atoi(rest)
	return err == nil
}

// IsDescendantOf reports whether id lives anywhere under root.
func (id ID) IsDescendantOf(root ID) bool {
	return strings.HasPrefix(string(id), string(root)+".")
}

// ChildSuffix returns the numeric suffix of a direct delegate of parent,
// or 0 and false when id is not a direct child.
func (id ID) ChildSuffix(parent ID) (int, bool) {
	rest, ok := strings.CutPrefix(string(id), string(parent)+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (id ID) String() string { return string(id) }
