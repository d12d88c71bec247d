package thread

import "errors"

// ErrNotFound is returned when a thread id does not exist in the store.
var ErrNotFound = errors.New("thread not found")

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
