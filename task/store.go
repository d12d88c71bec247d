package task

import (
	"context"
	"errors"

	"github.com/lacehq/lace/thread"
)

// ErrNotFound is returned when a task id does not exist in the store.
var ErrNotFound = errors.New("task not found")

// Store is the persistence surface the Manager needs. Implemented by the
// storage package.
type Store interface {
	SaveTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	LoadTask(ctx context.Context, id string) (*Task, error)
	LoadTasksByThread(ctx context.Context, threadID thread.ID) ([]*Task, error)
	LoadTasksByAssignee(ctx context.Context, assignee string) ([]*Task, error)
	AddTaskNote(ctx context.Context, taskID string, note Note) error
}
