package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lacehq/lace/internal/logging"
	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/thread"
)

// SystemAuthor is the note author used for notes the runtime adds itself.
const SystemAuthor = "system"

// Caller identifies who is performing a task operation: a thread id for
// agents, or a human user label.
type Caller struct {
	Actor   string
	IsHuman bool
}

// SpawnFunc creates a delegate agent for a new:provider/model assignment
// and returns the delegate's thread id. Injected by the session layer.
type SpawnFunc func(ctx context.Context, t *Task, spec provider.Spec) (thread.ID, error)

// CreateRequest carries the fields for a new task.
type CreateRequest struct {
	Title       string
	Description string
	Prompt      string
	Priority    Priority
	AssignedTo  string
}

// Patch is a partial task update. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	Prompt      *string
	Status      *Status
	Priority    *Priority
	AssignedTo  *string
}

// Filter narrows Tasks results. Zero fields match everything.
type Filter struct {
	Status     Status
	Priority   Priority
	AssignedTo string
	CreatedBy  string
}

// ListScope selects whose tasks List returns.
type ListScope string

const (
	ScopeMine    ListScope = "mine"
	ScopeCreated ListScope = "created"
	ScopeThread  ListScope = "thread"
	ScopeAll     ListScope = "all"
)

// Summary counts a session's tasks by status.
type Summary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Completed  int `json:"completed"`
	Archived   int `json:"archived"`
}

// Manager owns one session's task list. All mutations take the session
// lock, so task events are emitted in causal order.
type Manager struct {
	sessionID thread.ID
	store     Store
	emitter   *Emitter
	spawn     SpawnFunc
	log       *logging.Logger
	clock     func() time.Time

	mu sync.Mutex
}

// NewManager creates a task manager scoped to the given session root
// thread. spawn may be nil, in which case new: assignments fail.
func NewManager(sessionID thread.ID, store Store, spawn SpawnFunc, log *logging.Logger) *Manager {
	l := logging.OrDefault(log)
	return &Manager{
		sessionID: sessionID,
		store:     store,
		emitter:   NewEmitter(l),
		spawn:     spawn,
		log:       l,
		clock:     time.Now,
	}
}

// SessionID returns the session root thread this manager is scoped to.
func (m *Manager) SessionID() thread.ID { return m.sessionID }

// Subscribe registers a task event listener.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.emitter.Subscribe()
}

// Close drops all event subscriptions.
func (m *Manager) Close() {
	m.emitter.Close()
}

// Create validates and persists a new task. A new:provider/model
// assignment spawns a delegate agent first; spawn failures leave the
// task blocked with an explanatory note rather than failing the call.
func (m *Manager) Create(ctx context.Context, req CreateRequest, caller Caller) (*Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("task prompt is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	t := &Task{
		ID:          NewTaskID(now),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Prompt:      prompt,
		Status:      StatusPending,
		Priority:    priority,
		AssignedTo:  req.AssignedTo,
		CreatedBy:   caller.Actor,
		ThreadID:    m.sessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Notes:       []Note{},
	}

	if IsNewAgentSpec(t.AssignedTo) {
		m.spawnAssignee(ctx, t, false)
	}

	if err := m.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	m.emitter.emit(Event{Type: EventCreated, Task: t.Clone(), Actor: caller.Actor, Timestamp: now})
	return t, nil
}

// Get returns a task by id. Tasks belonging to other sessions are
// reported as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	t, err := m.store.LoadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ThreadID != m.sessionID {
		return nil, ErrNotFound
	}
	return t, nil
}

// Tasks returns the session's tasks, newest first, narrowed by f.
func (m *Manager) Tasks(ctx context.Context, f Filter) ([]*Task, error) {
	tasks, err := m.store.LoadTasksByThread(ctx, m.sessionID)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.CreatedBy != "" && t.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Update applies a partial patch. Identity fields (id, threadId,
// createdBy, createdAt) cannot change. A new: assignment in the patch
// spawns a delegate before the patch is applied.
func (m *Manager) Update(ctx context.Context, id string, patch Patch, caller Caller) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, fmt.Errorf("task title is required")
		}
		t.Title = title
	}
	if patch.Description != nil {
		t.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Prompt != nil {
		prompt := strings.TrimSpace(*patch.Prompt)
		if prompt == "" {
			return nil, fmt.Errorf("task prompt is required")
		}
		t.Prompt = prompt
	}
	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return nil, fmt.Errorf("invalid status %q", *patch.Status)
		}
		t.Status = *patch.Status
	}
	if patch.Priority != nil {
		if !patch.Priority.IsValid() {
			return nil, fmt.Errorf("invalid priority %q", *patch.Priority)
		}
		t.Priority = *patch.Priority
	}
	if patch.AssignedTo != nil {
		t.AssignedTo = *patch.AssignedTo
		if IsNewAgentSpec(t.AssignedTo) {
			m.spawnAssignee(ctx, t, true)
		}
	}

	now := m.clock().UTC()
	t.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	m.emitter.emit(Event{Type: EventUpdated, Task: t.Clone(), Actor: caller.Actor, Timestamp: now})
	return t, nil
}

// AddNote appends a note and bumps the task's updatedAt.
func (m *Manager) AddNote(ctx context.Context, taskID, content string, caller Caller) (*Task, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("note content is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	note := Note{
		ID:        uuid.NewString(),
		Author:    caller.Actor,
		Content:   content,
		Timestamp: now,
	}
	if err := m.store.AddTaskNote(ctx, taskID, note); err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	t.Notes = append(t.Notes, note)
	t.UpdatedAt = now
	m.emitter.emit(Event{Type: EventNoteAdded, Task: t.Clone(), Note: &note, Actor: caller.Actor, Timestamp: now})
	return t, nil
}

// Delete archives a task. There is no hard delete.
func (m *Manager) Delete(ctx context.Context, id string, caller Caller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Status = StatusArchived
	now := m.clock().UTC()
	t.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("archive task: %w", err)
	}
	m.emitter.emit(Event{Type: EventUpdated, Task: t.Clone(), Actor: caller.Actor, Timestamp: now})
	return nil
}

// MarkBlocked records a delegate failure: a system note plus
// status=blocked. Used by the session layer; never fails the caller's
// turn.
func (m *Manager) MarkBlocked(ctx context.Context, taskID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.Get(ctx, taskID)
	if err != nil {
		m.log.Warn("cannot mark task blocked", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	now := m.clock().UTC()
	note := Note{ID: uuid.NewString(), Author: SystemAuthor, Content: reason, Timestamp: now}
	if err := m.store.AddTaskNote(ctx, taskID, note); err != nil {
		m.log.Warn("cannot record blocked note", zap.String("task_id", taskID), zap.Error(err))
	}
	t.Notes = append(t.Notes, note)
	t.Status = StatusBlocked
	t.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, t); err != nil {
		m.log.Warn("cannot mark task blocked", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	m.emitter.emit(Event{Type: EventUpdated, Task: t.Clone(), Actor: SystemAuthor, Timestamp: now})
}

// Summary counts the session's tasks by status.
func (m *Manager) Summary(ctx context.Context) (*Summary, error) {
	tasks, err := m.store.LoadTasksByThread(ctx, m.sessionID)
	if err != nil {
		return nil, err
	}
	s := &Summary{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusBlocked:
			s.Blocked++
		case StatusCompleted:
			s.Completed++
		case StatusArchived:
			s.Archived++
		}
	}
	return s, nil
}

// List returns tasks narrowed to the caller's scope, sorted by priority
// (high first) then creation time (newest first).
func (m *Manager) List(ctx context.Context, scope ListScope, includeCompleted bool, caller Caller) ([]*Task, error) {
	tasks, err := m.store.LoadTasksByThread(ctx, m.sessionID)
	if err != nil {
		return nil, err
	}

	out := tasks[:0]
	for _, t := range tasks {
		switch scope {
		case ScopeMine:
			if t.AssignedTo != caller.Actor {
				continue
			}
		case ScopeCreated:
			if t.CreatedBy != caller.Actor {
				continue
			}
		case ScopeThread, ScopeAll:
			// Tasks are session-scoped already.
		default:
			return nil, fmt.Errorf("invalid list scope %q", scope)
		}
		if !includeCompleted && (t.Status == StatusCompleted || t.Status == StatusArchived) {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// spawnAssignee resolves a new:provider/model assignment. On success the
// assignee becomes the delegate thread id and the task moves to
// in_progress; on failure the task is blocked with a note. persisted
// says whether the task already has a row: UpdateTask rewrites columns
// only, so failure notes on an existing task go through AddTaskNote.
func (m *Manager) spawnAssignee(ctx context.Context, t *Task, persisted bool) {
	fail := func(reason string) {
		m.log.Warn("delegate spawn failed",
			zap.String("task_id", t.ID),
			zap.String("assignee", t.AssignedTo),
			zap.String("reason", reason))
		t.Status = StatusBlocked
		note := Note{
			ID:        uuid.NewString(),
			Author:    SystemAuthor,
			Content:   "delegate spawn failed: " + reason,
			Timestamp: m.clock().UTC(),
		}
		if persisted {
			if err := m.store.AddTaskNote(ctx, t.ID, note); err != nil {
				m.log.Warn("cannot record spawn failure note",
					zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		t.Notes = append(t.Notes, note)
	}

	spec, err := provider.ParseSpec(t.AssignedTo)
	if err != nil {
		fail(err.Error())
		return
	}
	if m.spawn == nil {
		fail("no delegate spawner configured")
		return
	}
	delegateID, err := m.spawn(ctx, t, spec)
	if err != nil {
		fail(err.Error())
		return
	}
	t.AssignedTo = string(delegateID)
	t.Status = StatusInProgress
}
