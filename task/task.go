// Package task implements the session-scoped task list that agents and
// humans collaborate over: CRUD, notes, assignment, and spawning of
// delegate agents for new:provider/model assignments.
package task

import (
	"strings"
	"time"

	"github.com/lacehq/lace/internal/ident"
	"github.com/lacehq/lace/thread"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusArchived   Status = "archived"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// Priority orders tasks high before medium before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the sort rank of the priority (high first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Note is an ordered annotation on a task.
type Note struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a session-scoped unit of work. ThreadID names the owning
// session's root thread; every thread in that session sees the task.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	CreatedBy   string    `json:"created_by"`
	ThreadID    thread.ID `json:"thread_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Notes       []Note    `json:"notes"`
}

// NewTaskID generates a task id of the form task_YYYYMMDD_xxxxxx.
func NewTaskID(now time.Time) string {
	return ident.New("task", now)
}

// NewSpecPrefix marks an assignment that requests spawning a fresh agent.
const NewSpecPrefix = "new:"

// IsNewAgentSpec reports whether the assignee string is a new:provider/model
// spawn request rather than an existing thread id.
func IsNewAgentSpec(assignee string) bool {
	return strings.HasPrefix(assignee, NewSpecPrefix)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Notes = make([]Note, len(t.Notes))
	copy(cp.Notes, t.Notes)
	return &cp
}
