package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTaskNotFound = errors.New("task not found")

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	DueDate     string    `json:"dueDate,omitempty"`
	Assignees   []string  `json:"assignees"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type HistoryEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	ChangedBy string    `json:"changedBy"`
	Field     string    `json:"field"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	ChangedAt time.Time `json:"changedAt"`
}

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id text PRIMARY KEY,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'pending',
  priority text NOT NULL DEFAULT 'medium',
  due_date text NOT NULL DEFAULT '',
  assignees text[] NOT NULL DEFAULT '{}',
  created_by text NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
)`

const createCommentsTableSQL = `
CREATE TABLE IF NOT EXISTS comments (
  comment_id text PRIMARY KEY,
  task_id text NOT NULL REFERENCES tasks (task_id) ON DELETE CASCADE,
  author_id text NOT NULL,
  body text NOT NULL,
  created_at timestamptz NOT NULL
)`

const createTaskHistoryTableSQL = `
CREATE TABLE IF NOT EXISTS task_history (
  history_id text PRIMARY KEY,
  task_id text NOT NULL REFERENCES tasks (task_id) ON DELETE CASCADE,
  changed_by text NOT NULL,
  field text NOT NULL,
  old_value text NOT NULL DEFAULT '',
  new_value text NOT NULL DEFAULT '',
  changed_at timestamptz NOT NULL
)`

// PostgresStore is the tasks service's own store. Thin on purpose: the
// eventing fabric, not the CRUD, is what this system is about.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createTasksTableSQL, createCommentsTableSQL, createTaskHistoryTableSQL} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO tasks (task_id, title, description, status, priority, due_date, assignees, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.Title, task.Description, task.Status, task.Priority,
		task.DueDate, task.Assignees, task.CreatedBy, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := s.Pool.QueryRow(ctx,
		`SELECT task_id, title, description, status, priority, due_date, assignees, created_by, created_at, updated_at
		 FROM tasks WHERE task_id = $1`,
		taskID,
	).Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.DueDate, &t.Assignees, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT task_id, title, description, status, priority, due_date, assignees, created_by, created_at, updated_at
		 FROM tasks ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Task, 0)
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.DueDate, &t.Assignees, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks
		 SET title = $2, description = $3, status = $4, priority = $5, due_date = $6, assignees = $7, updated_at = $8
		 WHERE task_id = $1`,
		task.ID, task.Title, task.Description, task.Status, task.Priority, task.DueDate, task.Assignees, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO comments (comment_id, task_id, author_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		comment.ID, comment.TaskID, comment.AuthorID, comment.Body, comment.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT comment_id, task_id, author_id, body, created_at
		 FROM comments WHERE task_id = $1 ORDER BY created_at DESC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertHistory(ctx context.Context, entries []HistoryEntry) error {
	for _, e := range entries {
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO task_history (history_id, task_id, changed_by, field, old_value, new_value, changed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.TaskID, e.ChangedBy, e.Field, e.OldValue, e.NewValue, e.ChangedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT history_id, task_id, changed_by, field, old_value, new_value, changed_at
		 FROM task_history WHERE task_id = $1 ORDER BY changed_at DESC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ChangedBy, &e.Field, &e.OldValue, &e.NewValue, &e.ChangedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
