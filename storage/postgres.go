package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/thread"
)

// txContextKey is the context key for an ambient pgx.Tx.
type txContextKey struct{}

// WithTx returns a context carrying the given transaction. All store
// operations made with that context run inside it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the ambient transaction, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is the common surface of pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS lace_threads (
	id         TEXT PRIMARY KEY,
	parent_id  TEXT,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lace_events (
	thread_id TEXT NOT NULL,
	seq       BIGINT NOT NULL,
	type      TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	payload   JSONB NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_lace_events_timestamp ON lace_events(timestamp);

CREATE TABLE IF NOT EXISTS lace_tasks (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	prompt      TEXT NOT NULL,
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lace_tasks_thread ON lace_tasks(thread_id);
CREATE INDEX IF NOT EXISTS idx_lace_tasks_assignee ON lace_tasks(assigned_to);

CREATE TABLE IF NOT EXISTS lace_task_notes (
	id        TEXT PRIMARY KEY,
	task_id   TEXT NOT NULL,
	position  INTEGER NOT NULL,
	author    TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lace_task_notes_task ON lace_task_notes(task_id, position);
`

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over the given pool and applies the
// schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, wrapErr(fmt.Errorf("apply schema: %w", err))
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op; the caller owns the pool.
func (s *PostgresStore) Close() error { return nil }

// getQuerier returns the ambient transaction if present, otherwise the pool.
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// CreateThread inserts a thread record.
func (s *PostgresStore) CreateThread(ctx context.Context, t *thread.Thread) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return wrapErr(fmt.Errorf("encode thread metadata: %w", err))
	}
	var parent *string
	if t.ParentID != nil {
		p := string(*t.ParentID)
		parent = &p
	}
	_, err = s.getQuerier(ctx).Exec(ctx,
		`INSERT INTO lace_threads (id, parent_id, metadata, created_at) VALUES ($1, $2, $3, $4)`,
		string(t.ID), parent, meta, t.CreatedAt.UTC())
	return wrapErr(err)
}

// GetThread loads a thread by id.
func (s *PostgresStore) GetThread(ctx context.Context, id thread.ID) (*thread.Thread, error) {
	row := s.getQuerier(ctx).QueryRow(ctx,
		`SELECT id, parent_id, metadata, created_at FROM lace_threads WHERE id = $1`, string(id))
	return scanThread(row, id)
}

func scanThread(row pgx.Row, id thread.ID) (*thread.Thread, error) {
	var (
		t      thread.Thread
		rawID  string
		parent *string
		meta   []byte
	)
	err := row.Scan(&rawID, &parent, &meta, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	t.ID = thread.ID(rawID)
	if parent != nil {
		pid := thread.ID(*parent)
		t.ParentID = &pid
	}
	if err := json.Unmarshal(meta, &t.Metadata); err != nil {
		return nil, wrapErr(fmt.Errorf("decode thread metadata: %w", err))
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	return &t, nil
}

// UpdateThreadMetadata replaces a thread's metadata.
func (s *PostgresStore) UpdateThreadMetadata(ctx context.Context, id thread.ID, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return wrapErr(fmt.Errorf("encode thread metadata: %w", err))
	}
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`UPDATE lace_threads SET metadata = $1 WHERE id = $2`, meta, string(id))
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	return nil
}

// ListChildThreads returns the direct delegates of parent in creation order.
func (s *PostgresStore) ListChildThreads(ctx context.Context, parent thread.ID) ([]*thread.Thread, error) {
	rows, err := s.getQuerier(ctx).Query(ctx,
		`SELECT id, parent_id, metadata, created_at FROM lace_threads WHERE parent_id = $1 ORDER BY created_at`,
		string(parent))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*thread.Thread
	for rows.Next() {
		var (
			t     thread.Thread
			rawID string
			pid   *string
			meta  []byte
		)
		if err := rows.Scan(&rawID, &pid, &meta, &t.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		t.ID = thread.ID(rawID)
		if pid != nil {
			p := thread.ID(*pid)
			t.ParentID = &p
		}
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, wrapErr(fmt.Errorf("decode thread metadata: %w", err))
		}
		out = append(out, &t)
	}
	return out, wrapErr(rows.Err())
}

// DeleteThreadTree removes root, every descendant delegate, their events,
// and the tasks scoped to root.
func (s *PostgresStore) DeleteThreadTree(ctx context.Context, root thread.ID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prefix := string(root) + ".%"
	if _, err := tx.Exec(ctx,
		`DELETE FROM lace_events WHERE thread_id = $1 OR thread_id LIKE $2`, string(root), prefix); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM lace_task_notes WHERE task_id IN (SELECT id FROM lace_tasks WHERE thread_id = $1)`, string(root)); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM lace_tasks WHERE thread_id = $1`, string(root)); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM lace_threads WHERE id = $1 OR id LIKE $2`, string(root), prefix); err != nil {
		return wrapErr(err)
	}
	return wrapErr(tx.Commit(ctx))
}

// AppendEvent atomically assigns the next sequence for the thread and
// inserts the event.
func (s *PostgresStore) AppendEvent(ctx context.Context, threadID thread.ID, typ thread.EventType, data thread.EventData) (*thread.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, wrapErr(fmt.Errorf("encode event payload: %w", err))
	}

	now := time.Now().UTC()
	var seq int64
	err = s.getQuerier(ctx).QueryRow(ctx,
		`INSERT INTO lace_events (thread_id, seq, type, timestamp, payload)
		 SELECT t.id, COALESCE((SELECT MAX(seq) FROM lace_events WHERE thread_id = t.id), 0) + 1, $2, $3, $4
		 FROM lace_threads t WHERE t.id = $1
		 RETURNING seq`,
		string(threadID), string(typ), now, payload).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", thread.ErrNotFound, threadID)
	}
	if err != nil {
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

// ListEvents returns a thread's events with seq greater than sinceSeq.
func (s *PostgresStore) ListEvents(ctx context.Context, threadID thread.ID, sinceSeq int64) ([]*thread.Event, error) {
	rows, err := s.getQuerier(ctx).Query(ctx,
		`SELECT thread_id, seq, type, timestamp, payload FROM lace_events
		 WHERE thread_id = $1 AND seq > $2 ORDER BY seq`, string(threadID), sinceSeq)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListMainAndDelegateEvents returns the merged history of root and every
// descendant, ordered by (timestamp, thread_id, seq).
func (s *PostgresStore) ListMainAndDelegateEvents(ctx context.Context, root thread.ID) ([]*thread.Event, error) {
	rows, err := s.getQuerier(ctx).Query(ctx,
		`SELECT thread_id, seq, type, timestamp, payload FROM lace_events
		 WHERE thread_id = $1 OR thread_id LIKE $2
		 ORDER BY timestamp, thread_id, seq`, string(root), string(root)+".%")
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of events in a thread.
func (s *PostgresStore) CountEvents(ctx context.Context, threadID thread.ID) (int64, error) {
	var n int64
	err := s.getQuerier(ctx).QueryRow(ctx,
		`SELECT COUNT(1) FROM lace_events WHERE thread_id = $1`, string(threadID)).Scan(&n)
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func scanEvents(rows pgx.Rows) ([]*thread.Event, error) {
	var out []*thread.Event
	for rows.Next() {
		var (
			ev      thread.Event
			rawID   string
			rawType string
			payload []byte
		)
		if err := rows.Scan(&rawID, &ev.Seq, &rawType, &ev.Timestamp, &payload); err != nil {
			return nil, wrapErr(err)
		}
		ev.ThreadID = thread.ID(rawID)
		ev.Type = thread.EventType(rawType)
		if err := json.Unmarshal(payload, &ev.Data); err != nil {
			return nil, wrapErr(fmt.Errorf("decode event payload: %w", err))
		}
		out = append(out, &ev)
	}
	return out, wrapErr(rows.Err())
}

// SaveTask inserts a task and its notes.
func (s *PostgresStore) SaveTask(ctx context.Context, t *task.Task) error {
	q := s.getQuerier(ctx)
	_, err := q.Exec(ctx,
		`INSERT INTO lace_tasks (id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		t.AssignedTo, t.CreatedBy, string(t.ThreadID), t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return wrapErr(err)
	}
	for i, n := range t.Notes {
		if err := s.insertNote(ctx, q, t.ID, i, n); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

// UpdateTask rewrites a task's mutable columns.
func (s *PostgresStore) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`UPDATE lace_tasks SET title = $1, description = $2, prompt = $3, status = $4, priority = $5, assigned_to = $6, updated_at = $7
		 WHERE id = $8`,
		t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		t.AssignedTo, t.UpdatedAt.UTC(), t.ID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, t.ID)
	}
	return nil
}

// LoadTask loads a task with its ordered notes.
func (s *PostgresStore) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.getQuerier(ctx).QueryRow(ctx,
		`SELECT id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at
		 FROM lace_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := s.loadNotes(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTasksByThread returns the session's tasks newest-first.
func (s *PostgresStore) LoadTasksByThread(ctx context.Context, threadID thread.ID) ([]*task.Task, error) {
	return s.loadTasksWhere(ctx, `thread_id = $1`, string(threadID))
}

// LoadTasksByAssignee returns tasks assigned to the given actor newest-first.
func (s *PostgresStore) LoadTasksByAssignee(ctx context.Context, assignee string) ([]*task.Task, error) {
	return s.loadTasksWhere(ctx, `assigned_to = $1`, assignee)
}

func (s *PostgresStore) loadTasksWhere(ctx context.Context, where string, arg any) ([]*task.Task, error) {
	rows, err := s.getQuerier(ctx).Query(ctx,
		`SELECT id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at
		 FROM lace_tasks WHERE `+where+` ORDER BY created_at DESC, id DESC`, arg)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	for _, t := range out {
		if err := s.loadNotes(ctx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t        task.Task
		status   string
		priority string
		threadID string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Prompt, &status, &priority,
		&t.AssignedTo, &t.CreatedBy, &threadID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.ThreadID = thread.ID(threadID)
	t.Notes = []task.Note{}
	return &t, nil
}

// AddTaskNote appends a note and bumps the task's updated_at.
func (s *PostgresStore) AddTaskNote(ctx context.Context, taskID string, note task.Note) error {
	q := s.getQuerier(ctx)

	var pos int
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM lace_task_notes WHERE task_id = $1`, taskID).Scan(&pos); err != nil {
		return wrapErr(err)
	}
	if err := s.insertNote(ctx, q, taskID, pos, note); err != nil {
		return wrapErr(err)
	}
	tag, err := q.Exec(ctx,
		`UPDATE lace_tasks SET updated_at = $1 WHERE id = $2`, note.Timestamp.UTC(), taskID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	return nil
}

func (s *PostgresStore) insertNote(ctx context.Context, q querier, taskID string, pos int, n task.Note) error {
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO lace_task_notes (id, task_id, position, author, content, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, taskID, pos, n.Author, n.Content, n.Timestamp.UTC())
	return err
}

func (s *PostgresStore) loadNotes(ctx context.Context, t *task.Task) error {
	rows, err := s.getQuerier(ctx).Query(ctx,
		`SELECT id, author, content, timestamp FROM lace_task_notes WHERE task_id = $1 ORDER BY position`, t.ID)
	if err != nil {
		return wrapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var n task.Note
		if err := rows.Scan(&n.ID, &n.Author, &n.Content, &n.Timestamp); err != nil {
			return wrapErr(err)
		}
		t.Notes = append(t.Notes, n)
	}
	return wrapErr(rows.Err())
}
