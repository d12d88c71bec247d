package lace

import (
	"errors"
	"fmt"

	"github.com/lacehq/lace/agent"
	"github.com/lacehq/lace/approval"
	"github.com/lacehq/lace/storage"
	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/thread"
	"github.com/lacehq/lace/tool"
)

// Sentinel errors. Aliases re-export the sentinels of the packages that
// produce them so callers can match everything with errors.Is against
// this package alone.
var (
	// ErrInvalidConfig is returned when a project, session or agent
	// configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrStorage is returned when a storage operation failed.
	ErrStorage = storage.ErrStorage

	// ErrThreadNotFound is returned when a thread does not exist.
	ErrThreadNotFound = thread.ErrNotFound

	// ErrTaskNotFound is returned when a task does not exist in the
	// session.
	ErrTaskNotFound = task.ErrNotFound

	// ErrUnknownTool is returned when a tool call names an unregistered
	// tool.
	ErrUnknownTool = tool.ErrUnknownTool

	// ErrDenied is returned when a tool call is denied by policy or
	// approval.
	ErrDenied = approval.ErrDenied

	// ErrCancelled is returned when a turn ends due to cancellation.
	ErrCancelled = agent.ErrCancelled
)

// RuntimeError carries the operation and thread that produced an error.
type RuntimeError struct {
	Op       string
	ThreadID thread.ID
	Err      error
	Context  map[string]any
}

func (e *RuntimeError) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("%s (thread=%s): %v", e.Op, e.ThreadID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// WithContext attaches a key/value pair for diagnostics.
func (e *RuntimeError) WithContext(key string, value any) *RuntimeError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewRuntimeError creates a RuntimeError for the given operation.
func NewRuntimeError(op string, err error) *RuntimeError {
	return &RuntimeError{Op: op, Err: err}
}

// NewRuntimeErrorWithThread creates a RuntimeError bound to a thread.
func NewRuntimeErrorWithThread(op string, threadID thread.ID, err error) *RuntimeError {
	return &RuntimeError{Op: op, ThreadID: threadID, Err: err}
}
