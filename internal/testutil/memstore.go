package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/thread"
)

// MemStore is an in-memory storage.Store for unit tests. Safe for
// concurrent use.
type MemStore struct {
	mu      sync.Mutex
	threads map[thread.ID]*thread.Thread
	order   []thread.ID
	events  map[thread.ID][]*thread.Event
	tasks   map[string]*task.Task

	// Clock returns event timestamps. Tests override it to control
	// merged-history ordering. Defaults to time.Now.
	Clock func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		threads: make(map[thread.ID]*thread.Thread),
		events:  make(map[thread.ID][]*thread.Event),
		tasks:   make(map[string]*task.Task),
		Clock:   time.Now,
	}
}

// Close implements storage.Store.
func (s *MemStore) Close() error { return nil }

func (s *MemStore) CreateThread(_ context.Context, t *thread.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread already exists: %s", t.ID)
	}
	cp := *t
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]any)
	}
	s.threads[t.ID] = &cp
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemStore) GetThread(_ context.Context, id thread.ID) (*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) UpdateThreadMetadata(_ context.Context, id thread.ID, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	t.Metadata = metadata
	return nil
}

func (s *MemStore) ListChildThreads(_ context.Context, parent thread.ID) ([]*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*thread.Thread
	for _, id := range s.order {
		t, ok := s.threads[id]
		if !ok || t.ParentID == nil || *t.ParentID != parent {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) DeleteThreadTree(_ context.Context, root thread.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := string(root) + "."
	for id := range s.threads {
		if id == root || strings.HasPrefix(string(id), prefix) {
			delete(s.threads, id)
			delete(s.events, id)
		}
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.threads[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
	for id, t := range s.tasks {
		if t.ThreadID == root {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *MemStore) AppendEvent(_ context.Context, threadID thread.ID, typ thread.EventType, data thread.EventData) (*thread.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, fmt.Errorf("%w: %s", thread.ErrNotFound, threadID)
	}
	ev := &thread.Event{
		ThreadID:  threadID,
		Seq:       int64(len(s.events[threadID])) + 1,
		Type:      typ,
		Timestamp: s.Clock().UTC(),
		Data:      data,
	}
	s.events[threadID] = append(s.events[threadID], ev)
	cp := *ev
	return &cp, nil
}

func (s *MemStore) ListEvents(_ context.Context, threadID thread.ID, sinceSeq int64) ([]*thread.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*thread.Event
	for _, ev := range s.events[threadID] {
		if ev.Seq > sinceSeq {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) ListMainAndDelegateEvents(_ context.Context, root thread.ID) ([]*thread.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := string(root) + "."
	var out []*thread.Event
	for id, evs := range s.events {
		if id != root && !strings.HasPrefix(string(id), prefix) {
			continue
		}
		for _, ev := range evs {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ThreadID != b.ThreadID {
			return a.ThreadID < b.ThreadID
		}
		return a.Seq < b.Seq
	})
	return out, nil
}

func (s *MemStore) CountEvents(_ context.Context, threadID thread.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[threadID])), nil
}

func (s *MemStore) SaveTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task already exists: %s", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemStore) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	cp := t.Clone()
	cp.Notes = existing.Notes
	s.tasks[t.ID] = cp
	return nil
}

func (s *MemStore) LoadTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemStore) LoadTasksByThread(_ context.Context, threadID thread.ID) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.ThreadID == threadID {
			out = append(out, t.Clone())
		}
	}
	sortTasksNewestFirst(out)
	return out, nil
}

func (s *MemStore) LoadTasksByAssignee(_ context.Context, assignee string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.AssignedTo == assignee {
			out = append(out, t.Clone())
		}
	}
	sortTasksNewestFirst(out)
	return out, nil
}

func (s *MemStore) AddTaskNote(_ context.Context, taskID string, note task.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	t.Notes = append(t.Notes, note)
	t.UpdatedAt = note.Timestamp
	return nil
}

func sortTasksNewestFirst(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
}
