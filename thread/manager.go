package thread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lacehq/lace/internal/logging"
)

// Store is the persistence surface the Manager needs. Implemented by the
// storage package (SQLite and Postgres).
type Store interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id ID) (*Thread, error)
	UpdateThreadMetadata(ctx context.Context, id ID, metadata map[string]any) error
	ListChildThreads(ctx context.Context, parent ID) ([]*Thread, error)
	DeleteThreadTree(ctx context.Context, root ID) error

	AppendEvent(ctx context.Context, threadID ID, typ EventType, data EventData) (*Event, error)
	ListEvents(ctx context.Context, threadID ID, sinceSeq int64) ([]*Event, error)
	ListMainAndDelegateEvents(ctx context.Context, root ID) ([]*Event, error)
	CountEvents(ctx context.Context, threadID ID) (int64, error)
}

// subscriber receives appended events for one thread. Delivery is
// best-effort: a slow consumer loses events rather than blocking appends.
type subscriber struct {
	id int64
	ch chan *Event
}

// Manager is the thread and event API used by agents, sessions and UIs.
// It generates ids, serializes appends per thread, and fans out
// thread-event-appended notifications to in-process subscribers.
type Manager struct {
	store Store
	log   *logging.Logger

	// appendMu serializes writers per thread id.
	appendMu sync.Map // ID -> *sync.Mutex

	subMu  sync.RWMutex
	subs   map[ID][]*subscriber
	nextID int64
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, log *logging.Logger) *Manager {
	return &Manager{
		store: store,
		log:   logging.OrDefault(log),
		subs:  make(map[ID][]*subscriber),
	}
}

func (m *Manager) lockFor(id ID) *sync.Mutex {
	mu, _ := m.appendMu.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GenerateThreadID returns a fresh base thread id.
func (m *Manager) GenerateThreadID() ID {
	return NewID(time.Now())
}

// CreateThread persists a new thread. Metadata may be nil.
func (m *Manager) CreateThread(ctx context.Context, id ID, parentID *ID, metadata map[string]any) (*Thread, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("create thread: invalid id %q", id)
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	t := &Thread{
		ID:        id,
		ParentID:  parentID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread %s: %w", id, err)
	}
	return t, nil
}

// GetThread loads a thread record.
func (m *Manager) GetThread(ctx context.Context, id ID) (*Thread, error) {
	return m.store.GetThread(ctx, id)
}

// UpdateMetadata replaces the thread's metadata map.
func (m *Manager) UpdateMetadata(ctx context.Context, id ID, metadata map[string]any) error {
	return m.store.UpdateThreadMetadata(ctx, id, metadata)
}

// GenerateDelegateThreadID allocates the next delegate id under parent.
// Suffixes are assigned in creation order; a suffix whose thread holds no
// events is reused so abandoned spawns do not leave gaps.
func (m *Manager) GenerateDelegateThreadID(ctx context.Context, parent ID) (ID, error) {
	mu := m.lockFor(parent)
	mu.Lock()
	defer mu.Unlock()

	for n := 1; ; n++ {
		candidate := parent.Child(n)
		existing, err := m.store.GetThread(ctx, candidate)
		if err != nil {
			if isNotFound(err) {
				return candidate, nil
			}
			return "", fmt.Errorf("generate delegate id under %s: %w", parent, err)
		}
		count, err := m.store.CountEvents(ctx, existing.ID)
		if err != nil {
			return "", fmt.Errorf("generate delegate id under %s: %w", parent, err)
		}
		if count == 0 {
			return candidate, nil
		}
	}
}

// AddEvent appends an event to a thread and notifies subscribers. Appends
// to the same thread are serialized; the store assigns the sequence.
func (m *Manager) AddEvent(ctx context.Context, threadID ID, typ EventType, data EventData) (*Event, error) {
	mu := m.lockFor(threadID)
	mu.Lock()
	ev, err := m.store.AppendEvent(ctx, threadID, typ, data)
	mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("append %s to %s: %w", typ, threadID, err)
	}

	m.notify(ev)
	return ev, nil
}

// GetEvents returns a thread's events in insertion order.
func (m *Manager) GetEvents(ctx context.Context, threadID ID) ([]*Event, error) {
	return m.store.ListEvents(ctx, threadID, 0)
}

// GetEventsSince returns events with seq greater than sinceSeq.
func (m *Manager) GetEventsSince(ctx context.Context, threadID ID, sinceSeq int64) ([]*Event, error) {
	return m.store.ListEvents(ctx, threadID, sinceSeq)
}

// GetMainAndDelegateEvents returns the merged history of root and every
// descendant delegate, sorted by (timestamp, threadId, seq).
func (m *Manager) GetMainAndDelegateEvents(ctx context.Context, root ID) ([]*Event, error) {
	return m.store.ListMainAndDelegateEvents(ctx, root)
}

// DeleteThreadTree removes a thread and all its delegates and events.
func (m *Manager) DeleteThreadTree(ctx context.Context, root ID) error {
	return m.store.DeleteThreadTree(ctx, root)
}

// Watch subscribes to events appended to one thread. The returned cancel
// function must be called to release the subscription. Events are delivered
// in per-thread order; a consumer that falls more than the buffer behind
// loses events.
func (m *Manager) Watch(threadID ID) (<-chan *Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	sub := &subscriber{id: m.nextID, ch: make(chan *Event, 64)}
	m.subs[threadID] = append(m.subs[threadID], sub)

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		list := m.subs[threadID]
		for i, s := range list {
			if s.id == sub.id {
				m.subs[threadID] = append(list[:i], list[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(m.subs[threadID]) == 0 {
			delete(m.subs, threadID)
		}
	}
	return sub.ch, cancel
}

func (m *Manager) notify(ev *Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, s := range m.subs[ev.ThreadID] {
		select {
		case s.ch <- ev:
		default:
			m.log.Warn("dropping thread event for slow subscriber",
				zap.String("thread_id", string(ev.ThreadID)),
				zap.Int64("seq", ev.Seq))
		}
	}
}

// Close drops all subscriptions.
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, list := range m.subs {
		for _, s := range list {
			close(s.ch)
		}
		delete(m.subs, id)
	}
}
