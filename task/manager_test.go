package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/thread"
)

const testSession = thread.ID("lace_20250615_abc123")

type fakeStore struct {
	tasks map[string]*Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*Task)}
}

func (s *fakeStore) SaveTask(_ context.Context, t *Task) error {
	s.tasks[t.ID] = t.Clone()
	return nil
}

// UpdateTask rewrites mutable columns only, like the SQL stores: notes
// and identity fields keep their stored values.
func (s *fakeStore) UpdateTask(_ context.Context, t *Task) error {
	prev, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	next := t.Clone()
	next.Notes = prev.Notes
	next.CreatedBy = prev.CreatedBy
	next.ThreadID = prev.ThreadID
	next.CreatedAt = prev.CreatedAt
	s.tasks[t.ID] = next
	return nil
}

func (s *fakeStore) LoadTask(_ context.Context, id string) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *fakeStore) LoadTasksByThread(_ context.Context, threadID thread.ID) ([]*Task, error) {
	var out []*Task
	for _, t := range s.tasks {
		if t.ThreadID == threadID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) LoadTasksByAssignee(_ context.Context, assignee string) ([]*Task, error) {
	var out []*Task
	for _, t := range s.tasks {
		if t.AssignedTo == assignee {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) AddTaskNote(_ context.Context, taskID string, note Note) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Notes = append(t.Notes, note)
	t.UpdatedAt = note.Timestamp
	return nil
}

// newTestManager returns a manager over a fake store with a stepping
// clock so creation times are strictly increasing.
func newTestManager(spawn SpawnFunc) (*Manager, *fakeStore) {
	store := newFakeStore()
	m := NewManager(testSession, store, spawn, nil)
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	step := 0
	m.clock = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	return m, store
}

func agentCaller(id string) Caller { return Caller{Actor: id} }

func TestCreateValidatesAndDefaults(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateRequest{Title: "  ", Prompt: "p"}, agentCaller("human")); err == nil {
		t.Fatal("expected error for blank title")
	}
	if _, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "\n"}, agentCaller("human")); err == nil {
		t.Fatal("expected error for blank prompt")
	}
	if _, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "p", Priority: "urgent"}, agentCaller("human")); err == nil {
		t.Fatal("expected error for invalid priority")
	}

	created, err := m.Create(ctx, CreateRequest{Title: " fix bug ", Prompt: "fix the bug"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Title != "fix bug" {
		t.Fatalf("title = %q, want trimmed", created.Title)
	}
	if created.Status != StatusPending || created.Priority != PriorityMedium {
		t.Fatalf("defaults = %s/%s, want pending/medium", created.Status, created.Priority)
	}
	if created.CreatedBy != "human" || created.ThreadID != testSession {
		t.Fatalf("ownership = %s/%s", created.CreatedBy, created.ThreadID)
	}
}

func TestCreateEmitsEvent(t *testing.T) {
	m, _ := newTestManager(nil)
	events, cancel := m.Subscribe()
	defer cancel()

	created, err := m.Create(context.Background(), CreateRequest{Title: "t", Prompt: "p"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventCreated || ev.Task.ID != created.ID {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no task:created event")
	}
}

func TestCreateSpawnsDelegate(t *testing.T) {
	var gotSpec provider.Spec
	spawn := func(_ context.Context, _ *Task, spec provider.Spec) (thread.ID, error) {
		gotSpec = spec
		return testSession + ".1", nil
	}
	m, _ := newTestManager(spawn)

	created, err := m.Create(context.Background(), CreateRequest{
		Title:      "delegate work",
		Prompt:     "do the work",
		AssignedTo: "new:anthropic/claude-sonnet-4",
	}, agentCaller(string(testSession)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gotSpec.Provider != "anthropic" || gotSpec.Model != "claude-sonnet-4" {
		t.Fatalf("spec = %+v", gotSpec)
	}
	if created.AssignedTo != string(testSession)+".1" {
		t.Fatalf("assignedTo = %q, want delegate thread id", created.AssignedTo)
	}
	if created.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", created.Status)
	}
}

func TestCreateSpawnFailureBlocksTask(t *testing.T) {
	spawn := func(context.Context, *Task, provider.Spec) (thread.ID, error) {
		return "", errors.New("provider offline")
	}
	m, _ := newTestManager(spawn)

	created, err := m.Create(context.Background(), CreateRequest{
		Title:      "t",
		Prompt:     "p",
		AssignedTo: "new:openai/gpt-4o",
	}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", created.Status)
	}
	if len(created.Notes) != 1 || created.Notes[0].Author != SystemAuthor {
		t.Fatalf("notes = %+v, want one system note", created.Notes)
	}
}

func TestGetOutsideSession(t *testing.T) {
	m, store := newTestManager(nil)
	foreign := &Task{ID: "task_20250615_zzzzzz", Title: "t", Prompt: "p",
		Status: StatusPending, Priority: PriorityMedium, ThreadID: "lace_20250615_other1"}
	if err := store.SaveTask(context.Background(), foreign); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if _, err := m.Get(context.Background(), foreign.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestTasksFilters(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	a, _ := m.Create(ctx, CreateRequest{Title: "a", Prompt: "p", Priority: PriorityHigh}, agentCaller("human"))
	b, _ := m.Create(ctx, CreateRequest{Title: "b", Prompt: "p", AssignedTo: "worker"}, agentCaller("human"))
	c, _ := m.Create(ctx, CreateRequest{Title: "c", Prompt: "p"}, agentCaller("agent-1"))
	done := StatusCompleted
	if _, err := m.Update(ctx, c.ID, Patch{Status: &done}, agentCaller("agent-1")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := m.Tasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
	if all[0].ID != c.ID {
		t.Fatalf("newest first: got %s, want %s", all[0].ID, c.ID)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by status", Filter{Status: StatusCompleted}, []string{c.ID}},
		{"by priority", Filter{Priority: PriorityHigh}, []string{a.ID}},
		{"by assignee", Filter{AssignedTo: "worker"}, []string{b.ID}},
		{"by creator", Filter{CreatedBy: "agent-1"}, []string{c.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Tasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Tasks: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Fatalf("got[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestUpdatePatch(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	created, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "p"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	title := "new title"
	status := StatusInProgress
	prio := PriorityHigh
	updated, err := m.Update(ctx, created.ID, Patch{Title: &title, Status: &status, Priority: &prio}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "new title" || updated.Status != StatusInProgress || updated.Priority != PriorityHigh {
		t.Fatalf("updated = %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatal("updatedAt must advance")
	}
	if updated.ID != created.ID || updated.CreatedBy != created.CreatedBy || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("identity fields must not change")
	}

	bad := Status("bogus")
	if _, err := m.Update(ctx, created.ID, Patch{Status: &bad}, agentCaller("human")); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestUpdateAssignToNewSpecSpawns(t *testing.T) {
	spawn := func(context.Context, *Task, provider.Spec) (thread.ID, error) {
		return testSession + ".2", nil
	}
	m, _ := newTestManager(spawn)
	ctx := context.Background()

	created, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "p"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	assignee := "new:anthropic/claude-haiku"
	updated, err := m.Update(ctx, created.ID, Patch{AssignedTo: &assignee}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.AssignedTo != string(testSession)+".2" || updated.Status != StatusInProgress {
		t.Fatalf("updated = %s/%s", updated.AssignedTo, updated.Status)
	}
}

func TestUpdateAssignSpawnFailurePersistsNote(t *testing.T) {
	spawn := func(context.Context, *Task, provider.Spec) (thread.ID, error) {
		return "", errors.New("provider offline")
	}
	m, _ := newTestManager(spawn)
	ctx := context.Background()

	created, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "p"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	assignee := "new:anthropic/claude-haiku"
	updated, err := m.Update(ctx, created.ID, Patch{AssignedTo: &assignee}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", updated.Status)
	}

	// The failure note must survive a reload, not just sit on the value
	// returned by Update.
	reloaded, err := m.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != StatusBlocked {
		t.Fatalf("reloaded status = %s, want blocked", reloaded.Status)
	}
	if len(reloaded.Notes) != 1 {
		t.Fatalf("reloaded notes = %d, want 1", len(reloaded.Notes))
	}
	note := reloaded.Notes[0]
	if note.Author != SystemAuthor || !strings.Contains(note.Content, "delegate spawn failed: provider offline") {
		t.Fatalf("note = %+v", note)
	}
}

func TestAddNote(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	created, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "p"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.AddNote(ctx, created.ID, "  ", agentCaller("human")); err == nil {
		t.Fatal("expected error for blank note")
	}

	events, cancel := m.Subscribe()
	defer cancel()

	updated, err := m.AddNote(ctx, created.ID, "looking into it", agentCaller("agent-1"))
	if err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	if len(updated.Notes) != 1 || updated.Notes[0].Author != "agent-1" {
		t.Fatalf("notes = %+v", updated.Notes)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatal("updatedAt must advance")
	}

	select {
	case ev := <-events:
		if ev.Type != EventNoteAdded || ev.Note == nil || ev.Note.Content != "looking into it" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no task:note_added event")
	}
}

func TestDeleteArchives(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	created, err := m.Create(ctx, CreateRequest{Title: "t", Prompt: "p"}, agentCaller("human"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(ctx, created.ID, agentCaller("human")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := m.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusArchived {
		t.Fatalf("status = %s, want archived", got.Status)
	}
}

func TestSummary(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	statuses := []Status{StatusPending, StatusPending, StatusInProgress, StatusCompleted}
	for i, st := range statuses {
		created, err := m.Create(ctx, CreateRequest{Title: fmt.Sprintf("t%d", i), Prompt: "p"}, agentCaller("human"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if st != StatusPending {
			s := st
			if _, err := m.Update(ctx, created.ID, Patch{Status: &s}, agentCaller("human")); err != nil {
				t.Fatalf("Update: %v", err)
			}
		}
	}

	sum, err := m.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := Summary{Total: 4, Pending: 2, InProgress: 1, Completed: 1}
	if *sum != want {
		t.Fatalf("summary = %+v, want %+v", *sum, want)
	}
}

func TestListScopesAndOrdering(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()
	me := agentCaller("lace_20250615_abc123.1")

	low, _ := m.Create(ctx, CreateRequest{Title: "low", Prompt: "p", Priority: PriorityLow, AssignedTo: me.Actor}, agentCaller("human"))
	high, _ := m.Create(ctx, CreateRequest{Title: "high", Prompt: "p", Priority: PriorityHigh}, me)
	medOld, _ := m.Create(ctx, CreateRequest{Title: "med old", Prompt: "p"}, agentCaller("human"))
	medNew, _ := m.Create(ctx, CreateRequest{Title: "med new", Prompt: "p"}, agentCaller("human"))
	doneTask, _ := m.Create(ctx, CreateRequest{Title: "done", Prompt: "p"}, agentCaller("human"))
	done := StatusCompleted
	if _, err := m.Update(ctx, doneTask.ID, Patch{Status: &done}, agentCaller("human")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := m.List(ctx, ScopeAll, false, me)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	wantOrder := []string{high.ID, medNew.ID, medOld.ID, low.ID}
	if len(all) != len(wantOrder) {
		t.Fatalf("all = %d tasks, want %d", len(all), len(wantOrder))
	}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Fatalf("all[%d] = %s, want %s", i, all[i].ID, id)
		}
	}

	withDone, err := m.List(ctx, ScopeAll, true, me)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(withDone) != 5 {
		t.Fatalf("withDone = %d, want 5", len(withDone))
	}

	mine, err := m.List(ctx, ScopeMine, false, me)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != low.ID {
		t.Fatalf("mine = %+v", mine)
	}

	created, err := m.List(ctx, ScopeCreated, false, me)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(created) != 1 || created[0].ID != high.ID {
		t.Fatalf("created = %+v", created)
	}

	if _, err := m.List(ctx, ListScope("everything"), false, me); err == nil {
		t.Fatal("expected error for invalid scope")
	}
}
