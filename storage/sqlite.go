package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/thread"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	parent_id  TEXT,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	thread_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	type      TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	payload   TEXT NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	prompt      TEXT NOT NULL,
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks(thread_id);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assigned_to);

CREATE TABLE IF NOT EXISTS task_notes (
	id        TEXT PRIMARY KEY,
	task_id   TEXT NOT NULL,
	position  INTEGER NOT NULL,
	author    TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_notes_task ON task_notes(task_id, position);
`

// SQLiteStore implements Store on a local SQLite database. It is the
// default store for the single-process runtime; use ":memory:" for
// throwaway databases.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapErr(err)
	}
	// SQLite permits one writer; a single connection avoids SQLITE_BUSY
	// churn under the per-thread append locks held above this layer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, wrapErr(fmt.Errorf("apply schema: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return wrapErr(s.db.Close())
}

type threadRow struct {
	ID        string         `db:"id"`
	ParentID  sql.NullString `db:"parent_id"`
	Metadata  string         `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *threadRow) toThread() (*thread.Thread, error) {
	t := &thread.Thread{
		ID:        thread.ID(r.ID),
		CreatedAt: r.CreatedAt,
	}
	if r.ParentID.Valid {
		pid := thread.ID(r.ParentID.String)
		t.ParentID = &pid
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode thread metadata: %w", err)
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	return t, nil
}

// CreateThread inserts a thread record.
func (s *SQLiteStore) CreateThread(ctx context.Context, t *thread.Thread) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return wrapErr(fmt.Errorf("encode thread metadata: %w", err))
	}
	var parent any
	if t.ParentID != nil {
		parent = string(*t.ParentID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, parent_id, metadata, created_at) VALUES (?, ?, ?, ?)`,
		string(t.ID), parent, string(meta), t.CreatedAt.UTC())
	return wrapErr(err)
}

// GetThread loads a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, id thread.ID) (*thread.Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, parent_id, metadata, created_at FROM threads WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	t, err := row.toThread()
	if err != nil {
		return nil, wrapErr(err)
	}
	return t, nil
}

// UpdateThreadMetadata replaces a thread's metadata.
func (s *SQLiteStore) UpdateThreadMetadata(ctx context.Context, id thread.ID, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return wrapErr(fmt.Errorf("encode thread metadata: %w", err))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET metadata = ? WHERE id = ?`, string(meta), string(id))
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	return nil
}

// ListChildThreads returns the direct delegates of parent in creation order.
func (s *SQLiteStore) ListChildThreads(ctx context.Context, parent thread.ID) ([]*thread.Thread, error) {
	var rows []threadRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, parent_id, metadata, created_at FROM threads WHERE parent_id = ? ORDER BY created_at`,
		string(parent))
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*thread.Thread, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toThread()
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteThreadTree removes root, every descendant delegate, their events,
// and the tasks scoped to root.
func (s *SQLiteStore) DeleteThreadTree(ctx context.Context, root thread.ID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	prefix := string(root) + ".%"
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE thread_id = ? OR thread_id LIKE ?`, string(root), prefix); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_notes WHERE task_id IN (SELECT id FROM tasks WHERE thread_id = ?)`, string(root)); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE thread_id = ?`, string(root)); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM threads WHERE id = ? OR id LIKE ?`, string(root), prefix); err != nil {
		return wrapErr(err)
	}
	return wrapErr(tx.Commit())
}

type eventRow struct {
	ThreadID  string    `db:"thread_id"`
	Seq       int64     `db:"seq"`
	Type      string    `db:"type"`
	Timestamp time.Time `db:"timestamp"`
	Payload   string    `db:"payload"`
}

func (r *eventRow) toEvent() (*thread.Event, error) {
	ev := &thread.Event{
		ThreadID:  thread.ID(r.ThreadID),
		Seq:       r.Seq,
		Type:      thread.EventType(r.Type),
		Timestamp: r.Timestamp,
	}
	if err := json.Unmarshal([]byte(r.Payload), &ev.Data); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return ev, nil
}

// AppendEvent atomically assigns the next sequence for the thread and
// inserts the event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, threadID thread.ID, typ thread.EventType, data thread.EventData) (*thread.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, wrapErr(fmt.Errorf("encode event payload: %w", err))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists,
		`SELECT COUNT(1) FROM threads WHERE id = ?`, string(threadID)); err != nil {
		return nil, wrapErr(err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", thread.ErrNotFound, threadID)
	}

	var seq int64
	if err := tx.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE thread_id = ?`, string(threadID)); err != nil {
		return nil, wrapErr(err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, seq, type, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		string(threadID), seq, string(typ), now, string(payload)); err != nil {
		return nil, wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr(err)
	}

	return &thread.Event{
		ThreadID:  threadID,
		Seq:       seq,
		Type:      typ,
		Timestamp: now,
		Data:      data,
	}, nil
}

// ListEvents returns a thread's events with seq greater than sinceSeq in
// insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, threadID thread.ID, sinceSeq int64) ([]*thread.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT thread_id, seq, type, timestamp, payload FROM events
		 WHERE thread_id = ? AND seq > ? ORDER BY seq`, string(threadID), sinceSeq)
	if err != nil {
		return nil, wrapErr(err)
	}
	return rowsToEvents(rows)
}

// ListMainAndDelegateEvents returns the merged history of root and every
// descendant, ordered by (timestamp, thread_id, seq).
func (s *SQLiteStore) ListMainAndDelegateEvents(ctx context.Context, root thread.ID) ([]*thread.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT thread_id, seq, type, timestamp, payload FROM events
		 WHERE thread_id = ? OR thread_id LIKE ?
		 ORDER BY timestamp, thread_id, seq`, string(root), string(root)+".%")
	if err != nil {
		return nil, wrapErr(err)
	}
	return rowsToEvents(rows)
}

// CountEvents returns the number of events in a thread.
func (s *SQLiteStore) CountEvents(ctx context.Context, threadID thread.ID) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM events WHERE thread_id = ?`, string(threadID))
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func rowsToEvents(rows []eventRow) ([]*thread.Event, error) {
	out := make([]*thread.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, ev)
	}
	return out, nil
}

type taskRow struct {
	ID          string    `db:"id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Prompt      string    `db:"prompt"`
	Status      string    `db:"status"`
	Priority    string    `db:"priority"`
	AssignedTo  string    `db:"assigned_to"`
	CreatedBy   string    `db:"created_by"`
	ThreadID    string    `db:"thread_id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *taskRow) toTask() *task.Task {
	return &task.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Prompt:      r.Prompt,
		Status:      task.Status(r.Status),
		Priority:    task.Priority(r.Priority),
		AssignedTo:  r.AssignedTo,
		CreatedBy:   r.CreatedBy,
		ThreadID:    thread.ID(r.ThreadID),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Notes:       []task.Note{},
	}
}

// SaveTask inserts a task and its notes.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		t.AssignedTo, t.CreatedBy, string(t.ThreadID), t.CreatedAt.UTC(), t.UpdatedAt.UTC()); err != nil {
		return wrapErr(err)
	}
	for i, n := range t.Notes {
		if err := insertNote(ctx, tx, t.ID, i, n); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit())
}

// UpdateTask rewrites a task's mutable columns.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, prompt = ?, status = ?, priority = ?, assigned_to = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		t.AssignedTo, t.UpdatedAt.UTC(), t.ID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	return nil
}

// LoadTask loads a task with its ordered notes.
func (s *SQLiteStore) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	t := row.toTask()
	if err := s.loadNotes(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTasksByThread returns the session's tasks newest-first.
func (s *SQLiteStore) LoadTasksByThread(ctx context.Context, threadID thread.ID) ([]*task.Task, error) {
	return s.loadTasksWhere(ctx, `thread_id = ?`, string(threadID))
}

// LoadTasksByAssignee returns tasks assigned to the given actor newest-first.
func (s *SQLiteStore) LoadTasksByAssignee(ctx context.Context, assignee string) ([]*task.Task, error) {
	return s.loadTasksWhere(ctx, `assigned_to = ?`, assignee)
}

func (s *SQLiteStore) loadTasksWhere(ctx context.Context, where string, arg any) ([]*task.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at
		 FROM tasks WHERE `+where+` ORDER BY created_at DESC, id DESC`, arg)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t := rows[i].toTask()
		if err := s.loadNotes(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AddTaskNote appends a note and bumps the task's updated_at.
func (s *SQLiteStore) AddTaskNote(ctx context.Context, taskID string, note task.Note) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var pos int
	if err := tx.GetContext(ctx, &pos,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM task_notes WHERE task_id = ?`, taskID); err != nil {
		return wrapErr(err)
	}
	if err := insertNote(ctx, tx, taskID, pos, note); err != nil {
		return wrapErr(err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ?`, note.Timestamp.UTC(), taskID)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	return wrapErr(tx.Commit())
}

func insertNote(ctx context.Context, tx *sqlx.Tx, taskID string, pos int, n task.Note) error {
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_notes (id, task_id, position, author, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		id, taskID, pos, n.Author, n.Content, n.Timestamp.UTC())
	return err
}

type noteRow struct {
	ID        string    `db:"id"`
	Author    string    `db:"author"`
	Content   string    `db:"content"`
	Timestamp time.Time `db:"timestamp"`
}

func (s *SQLiteStore) loadNotes(ctx context.Context, t *task.Task) error {
	var rows []noteRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, author, content, timestamp FROM task_notes WHERE task_id = ? ORDER BY position`, t.ID)
	if err != nil {
		return wrapErr(err)
	}
	for _, r := range rows {
		t.Notes = append(t.Notes, task.Note{
			ID:        r.ID,
			Author:    r.Author,
			Content:   r.Content,
			Timestamp: r.Timestamp,
		})
	}
	return nil
}
