package turnstate

import "testing"

func TestState_IsValid(t *testing.T) {
	tests := []struct {
		state State
		valid bool
	}{
		{StateIdle, true},
		{StateRunning, true},
		{StateWaitingForTool, true},
		{StateWaitingForApproval, true},
		{StateAppending, true},
		{StateDone, true},
		{StateFailed, true},
		{StateCancelled, true},
		{State("invalid"), false},
		{State(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
	}{
		{StateIdle, false},
		{StateRunning, false},
		{StateWaitingForTool, false},
		{StateWaitingForApproval, false},
		{StateAppending, false},
		{StateDone, true},
		{StateFailed, true},
		{StateCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		valid bool
	}{
		// Turn start and streaming
		{StateIdle, StateRunning, true},
		{StateIdle, StateDone, false},
		{StateRunning, StateAppending, true},
		{StateRunning, StateWaitingForApproval, true},
		{StateRunning, StateWaitingForTool, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateDone, false},

		// Approval outcomes
		{StateWaitingForApproval, StateWaitingForTool, true},
		{StateWaitingForApproval, StateRunning, true},
		{StateWaitingForApproval, StateCancelled, true},
		{StateWaitingForApproval, StateDone, false},

		// Tool completion
		{StateWaitingForTool, StateRunning, true},
		{StateWaitingForTool, StateAppending, false},

		// Flushing
		{StateAppending, StateRunning, true},
		{StateAppending, StateDone, true},
		{StateAppending, StateWaitingForTool, false},

		// No self transitions
		{StateRunning, StateRunning, false},
		{StateIdle, StateIdle, false},

		// Terminal states reset to idle only
		{StateDone, StateIdle, true},
		{StateFailed, StateIdle, true},
		{StateCancelled, StateIdle, true},
		{StateDone, StateRunning, false},
		{StateFailed, StateDone, false},
	}

	for _, tt := range tests {
		name := string(tt.from) + "->" + string(tt.to)
		t.Run(name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestTransition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tr      Transition
		wantErr bool
	}{
		{"valid: idle->running", Transition{StateIdle, StateRunning}, false},
		{"valid: appending->done", Transition{StateAppending, StateDone}, false},
		{"invalid: done->running", Transition{StateDone, StateRunning}, true},
		{"invalid source", Transition{State("bad"), StateDone}, true},
		{"invalid target", Transition{StateRunning, State("bad")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAllStates(t *testing.T) {
	states := AllStates()
	if len(states) != 8 {
		t.Errorf("AllStates() returned %d states, want 8", len(states))
	}
	for _, s := range states {
		if !s.IsValid() {
			t.Errorf("AllStates() returned invalid state: %s", s)
		}
	}
}
