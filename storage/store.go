// Package storage provides durable, transactional persistence for threads,
// events and tasks. Two implementations exist: SQLite (the default for the
// single-process runtime) and PostgreSQL.
package storage

import (
	"errors"

	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/thread"
)

// ErrStorage wraps every persistence failure so callers can classify
// durability errors with errors.Is.
var ErrStorage = errors.New("storage failure")

// Store is the full persistence contract: the thread/event surface consumed
// by thread.Manager plus the task surface consumed by task.Manager.
type Store interface {
	thread.Store
	task.Store

	Close() error
}

// storageErr wraps err under ErrStorage while keeping the cause visible to
// errors.Is/As. Not-found conditions pass through untouched so callers can
// distinguish absence from failure.
type storageErr struct {
	err error
}

func (e *storageErr) Error() string { return "storage failure: " + e.err.Error() }

func (e *storageErr) Unwrap() []error { return []error{ErrStorage, e.err} }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, thread.ErrNotFound) || errors.Is(err, task.ErrNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return &storageErr{err: err}
}
