// Package turnstate defines the state machine for agent turns.
//
// A turn is a single prompt-response cycle, possibly spanning several
// tool-call rounds. The state progresses through the machine until it
// reaches a terminal state:
//
//	idle -> running                       (turn starts)
//	running -> appending                  (stream produced output to flush)
//	running -> waiting_for_approval       (tool call needs a decision)
//	running -> waiting_for_tool           (pre-approved tool executing)
//	waiting_for_approval -> waiting_for_tool (approved)
//	waiting_for_approval -> running       (denied, result recorded, stream resumes)
//	waiting_for_tool -> running           (tool result appended, next round)
//	appending -> running                  (flushed, stream continues)
//	appending -> done                     (end of turn)
//	* -> failed                           (unrecoverable error)
//	* -> cancelled                        (caller cancellation)
//	done/failed/cancelled -> idle         (agent ready for the next turn)
//
// Terminal states describe a finished turn; only idle can start a new one.
package turnstate

import "fmt"

// State is the current phase of an agent's turn.
type State string

const (
	// StateIdle means no turn is in flight. The agent accepts new input.
	StateIdle State = "idle"

	// StateRunning means the agent is streaming a model response.
	StateRunning State = "running"

	// StateWaitingForTool means a tool call is executing.
	StateWaitingForTool State = "waiting_for_tool"

	// StateWaitingForApproval means a tool call is blocked on an
	// approval decision.
	StateWaitingForApproval State = "waiting_for_approval"

	// StateAppending means buffered output is being flushed to the thread.
	StateAppending State = "appending"

	// StateDone means the turn completed normally.
	StateDone State = "done"

	// StateFailed means the turn ended with an unrecoverable error.
	StateFailed State = "failed"

	// StateCancelled means the turn was cancelled by the caller.
	StateCancelled State = "cancelled"
)

// AllStates returns every state value.
func AllStates() []State {
	return []State{
		StateIdle,
		StateRunning,
		StateWaitingForTool,
		StateWaitingForApproval,
		StateAppending,
		StateDone,
		StateFailed,
		StateCancelled,
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateRunning, StateWaitingForTool, StateWaitingForApproval,
		StateAppending, StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s describes a finished turn.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a turn is in flight.
func (s State) IsActive() bool {
	switch s {
	case StateRunning, StateWaitingForTool, StateWaitingForApproval, StateAppending:
		return true
	default:
		return false
	}
}

// IsBlocked reports whether the turn is waiting on something other than
// the model stream.
func (s State) IsBlocked() bool {
	return s == StateWaitingForTool || s == StateWaitingForApproval
}

// CanTransitionTo reports whether moving from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	if s == target {
		return false
	}

	// Terminal states only reset back to idle.
	if s.IsTerminal() {
		return target == StateIdle
	}

	// Any active state can be cancelled or fail.
	if s.IsActive() && (target == StateCancelled || target == StateFailed) {
		return true
	}

	switch s {
	case StateIdle:
		return target == StateRunning
	case StateRunning:
		return target == StateAppending || target == StateWaitingForApproval || target == StateWaitingForTool
	case StateWaitingForApproval:
		return target == StateWaitingForTool || target == StateRunning
	case StateWaitingForTool:
		return target == StateRunning
	case StateAppending:
		return target == StateRunning || target == StateDone
	}

	return false
}

func (s State) String() string { return string(s) }

// Transition pairs a source and target state for validation.
type Transition struct {
	From State
	To   State
}

// Validate returns an error when the transition is not allowed.
func (t Transition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("turnstate: invalid source state %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("turnstate: invalid target state %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("turnstate: invalid transition from %q to %q", t.From, t.To)
	}
	return nil
}
