// Package store is a durable task.Store backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/goredact/task"
)

// Store wraps the SQLite database holding task records.
type Store struct {
	db *sql.DB
}

var _ task.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and applies
// the schema and pending migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	// Immediate transactions take the write lock up front, so concurrent
	// read-modify-write updates queue on the busy timeout instead of
	// failing on lock upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- task operations ---

// encodeRecord serialises t without its encryption PIN. The PIN only lives
// in memory for the run.
func encodeRecord(t task.Task) ([]byte, error) {
	t.Options.PIN = ""
	return json.Marshal(t)
}

func (s *Store) Create(ctx context.Context, t task.Task) error {
	rec, err := encodeRecord(t)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, batch_id, state, input_path, method, progress, record, created_at, error_kind, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, nullable(t.BatchID), string(t.State), t.InputPath, t.Method, t.Progress, string(rec),
		t.CreatedAt.UTC(), nullable(t.ErrorKind), nullTime(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, "SELECT record FROM tasks WHERE id = ?", id), id)
}

// Update runs fn inside a transaction holding the write lock.
func (s *Store) Update(ctx context.Context, id string, fn func(*task.Task) error) (task.Task, error) {
	var out task.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, "SELECT record FROM tasks WHERE id = ?", id), id)
		if err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		rec, err := encodeRecord(t)
		if err != nil {
			return fmt.Errorf("encoding task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, progress = ?, record = ?, error_kind = ?, finished_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, string(t.State), t.Progress, string(rec), nullable(t.ErrorKind), nullTime(t.FinishedAt), id); err != nil {
			return fmt.Errorf("updating task %s: %w", id, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, record FROM tasks ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		var id, rec string
		if err := rows.Scan(&id, &rec); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(rec), &t); err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByState returns how many tasks are in each state.
func (s *Store) CountByState(ctx context.Context) (map[task.State]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[task.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[task.State(state)] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, id string) (task.Task, error) {
	var rec string
	if err := row.Scan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal([]byte(rec), &t); err != nil {
		return task.Task{}, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
