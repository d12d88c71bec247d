package task

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lacehq/lace/internal/logging"
)

// EventType names a task mutation.
type EventType string

const (
	EventCreated   EventType = "task:created"
	EventUpdated   EventType = "task:updated"
	EventNoteAdded EventType = "task:note_added"
)

// Event describes one task mutation. Task is a snapshot taken after the
// mutation was persisted; Note is set for EventNoteAdded.
type Event struct {
	Type      EventType
	Task      *Task
	Note      *Note
	Actor     string
	Timestamp time.Time
}

// Emitter fans task events out to subscribers. Emission happens under
// the manager's session lock, so subscribers observe events for a given
// task in causal order.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	log    *logging.Logger
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter(log *logging.Logger) *Emitter {
	return &Emitter{subs: make(map[int]chan Event), log: logging.OrDefault(log)}
}

// Subscribe registers a listener. The cancel function releases it. A
// subscriber that falls more than the buffer behind loses events.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	ch := make(chan Event, 64)
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (e *Emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Warn("dropping task event for slow subscriber",
				zap.String("type", string(ev.Type)),
				zap.String("task_id", ev.Task.ID))
		}
	}
}

// Close drops all subscriptions.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}
