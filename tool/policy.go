package tool

// Policy controls whether a tool may run without asking.
type Policy string

const (
	// PolicyAllow executes without consulting the approval broker.
	PolicyAllow Policy = "allow"

	// PolicyDeny refuses every call.
	PolicyDeny Policy = "deny"

	// PolicyRequireApproval asks the approval broker per call.
	PolicyRequireApproval Policy = "require-approval"
)

// IsValid reports whether p is a known policy value.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyAllow, PolicyDeny, PolicyRequireApproval:
		return true
	default:
		return false
	}
}

// DefaultPolicy derives a tool's policy from its annotations when the
// session config names none: read-only tools run freely, everything else
// requires approval.
func DefaultPolicy(ann Annotations) Policy {
	if ann.ReadOnlyHint && !ann.DestructiveHint {
		return PolicyAllow
	}
	return PolicyRequireApproval
}

// Policies maps tool names to their configured policy.
type Policies map[string]Policy

// Effective returns the policy for a tool, falling back to the
// annotation-derived default.
func (p Policies) Effective(name string, ann Annotations) Policy {
	if pol, ok := p[name]; ok && pol.IsValid() {
		return pol
	}
	return DefaultPolicy(ann)
}
