// Package approval decides whether gated tool calls may run.
//
// The executor consults a Broker for every tool whose effective policy is
// require-approval. Brokers may block the calling turn while a human
// decides; headless deployments resolve from a static table.
package approval

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDenied is returned when a tool call is refused, either by policy or
// by an explicit decision.
var ErrDenied = errors.New("tool call denied")

// Decision is the outcome of an approval request.
type Decision string

const (
	// DecisionAllowOnce permits this single call.
	DecisionAllowOnce Decision = "allow_once"

	// DecisionAllowSession permits this call and every future call of
	// the same tool for the rest of the session.
	DecisionAllowSession Decision = "allow_session"

	// DecisionDeny refuses the call.
	DecisionDeny Decision = "deny"

	// DecisionAbstain means the broker has no opinion. Only meaningful
	// inside broker chains; the Manager treats it as a denial.
	DecisionAbstain Decision = "abstain"
)

// IsValid reports whether d is a known decision.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionDeny, DecisionAbstain:
		return true
	default:
		return false
	}
}

// Allows reports whether the decision permits execution.
func (d Decision) Allows() bool {
	return d == DecisionAllowOnce || d == DecisionAllowSession
}

func (d Decision) String() string { return string(d) }

// Request describes one tool call awaiting a decision.
type Request struct {
	SessionID   string
	ThreadID    string
	CallID      string
	ToolName    string
	Description string
	Arguments   json.RawMessage

	// Hints from the tool's annotations, shown to deciders.
	ReadOnly    bool
	Destructive bool
}

// Broker resolves approval requests. RequestApproval may block until a
// decision arrives; it must honor ctx cancellation.
type Broker interface {
	RequestApproval(ctx context.Context, req *Request) (Decision, error)
}

// FuncBroker adapts a closure to the Broker interface. UIs plug in here.
type FuncBroker func(ctx context.Context, req *Request) (Decision, error)

// RequestApproval implements Broker.
func (f FuncBroker) RequestApproval(ctx context.Context, req *Request) (Decision, error) {
	return f(ctx, req)
}

// PolicyBroker resolves requests from a fixed table, for headless use.
type PolicyBroker struct {
	// Rules maps tool name to decision.
	Rules map[string]Decision

	// Default applies to tools absent from Rules. Zero value denies.
	Default Decision
}

// RequestApproval implements Broker.
func (b *PolicyBroker) RequestApproval(_ context.Context, req *Request) (Decision, error) {
	if d, ok := b.Rules[req.ToolName]; ok {
		return d, nil
	}
	if b.Default.IsValid() {
		return b.Default, nil
	}
	return DecisionDeny, nil
}
