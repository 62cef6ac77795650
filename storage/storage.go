package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"nata-api/domain"
)

const defaultOpTimeout = 5 * time.Second

// migration is a single additive schema step. Steps are applied in order
// inside one transaction and recorded in the schema_migrations ledger.
// ALTER TABLE steps must stay tolerant of reruns against databases created
// before the ledger existed.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create tasks table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				completed BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
	},
	{
		version: 2,
		name:    "add due_date column",
		stmts: []string{
			`ALTER TABLE tasks ADD COLUMN due_date TIMESTAMP NULL;`,
		},
	},
	{
		version: 3,
		name:    "index due-date ordering",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_tasks_due_created ON tasks(due_date, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_title ON tasks(title);`,
		},
	},
}

// Store is the SQLite persistence adapter. All mutating operations are
// durable before returning and every call runs under a bounded timeout.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// DefaultDBPath returns the database location used when none is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nata", "todos.db")
}

// Open opens (creating if necessary) the SQLite database at path and applies
// any pending schema migrations. timeout bounds every subsequent operation;
// zero selects the default.
func Open(path string, timeout time.Duration) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer connection: SQLite serializes writers anyway and this
	// keeps read-modify-write sequences free of cross-connection races.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// Migrate applies all pending schema steps. It is idempotent and safe to run
// on every startup; it is never run concurrently with request handling.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, name) VALUES (?, ?);
		`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, storageErr("schema version", err)
	}
	return v, nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func storageErr(op string, err error) error {
	return domain.Storagef(op, err)
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, using capped
// exponential backoff with jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

const taskColumns = "id, title, completed, created_at, due_date"

func scanTask(scanFn func(dest ...any) error, task *domain.Task) error {
	var due sql.NullTime
	if err := scanFn(&task.ID, &task.Title, &task.Completed, &task.CreatedAt, &due); err != nil {
		return err
	}
	if due.Valid {
		t := due.Time
		task.DueDate = &t
	} else {
		task.DueDate = nil
	}
	return nil
}

// Insert stores a new task and returns the fully populated row. The insert
// either fully succeeds or leaves nothing behind.
func (s *Store) Insert(ctx context.Context, title string, due *time.Time) (domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	task := domain.Task{Title: title, Completed: false, CreatedAt: time.Now().UTC()}
	if due != nil {
		d := due.UTC()
		task.DueDate = &d
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (title, completed, created_at, due_date)
			VALUES (?, 0, ?, ?);
		`, task.Title, task.CreatedAt, nullableTime(task.DueDate))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		task.ID = id
		return nil
	})
	if err != nil {
		return domain.Task{}, storageErr("insert task", err)
	}
	return task, nil
}

// FetchAll returns every task ordered for display: dated tasks first by
// ascending due date, then undated tasks by descending creation time. The
// two-tier comparator matches the listAll contract exactly.
func (s *Store) FetchAll(ctx context.Context) ([]domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY
			CASE WHEN due_date IS NULL THEN 1 ELSE 0 END,
			due_date ASC,
			created_at DESC;
	`)
	if err != nil {
		return nil, storageErr("query tasks", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		var t domain.Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("task rows", err)
	}
	return tasks, nil
}

// FetchOne returns the task with the given id, or a NotFoundError.
func (s *Store) FetchOne(ctx context.Context, id int64) (domain.Task, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var t domain.Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, id).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, domain.NotFound(id)
		}
		return domain.Task{}, storageErr("query task", err)
	}
	return t, nil
}

// UpdateCompleted flips the completed flag from an expected prior value to a
// new one. It is a compare-and-set: the update applies only when the row
// still holds the expected value, which keeps concurrent toggles from losing
// updates. It reports whether a row was changed.
func (s *Store) UpdateCompleted(ctx context.Context, id int64, from, to bool) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET completed = ? WHERE id = ? AND completed = ?;
		`, to, id, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		changed = n == 1
		return nil
	})
	if err != nil {
		return false, storageErr("update completed", err)
	}
	return changed, nil
}

// DeleteOne removes the task with the given id and reports whether a row was
// deleted.
func (s *Store) DeleteOne(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		deleted = n == 1
		return nil
	})
	if err != nil {
		return false, storageErr("delete task", err)
	}
	return deleted, nil
}

// DeleteMany deletes all the given ids inside one transaction. The existence
// check and the delete share the transaction, so no concurrent mutation can
// slip between them. When any id is missing nothing is deleted and the
// missing ids are returned.
func (s *Store) DeleteMany(ctx context.Context, ids []int64) (int64, []int64, error) {
	if len(ids) == 0 {
		return 0, nil, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var deleted int64
	var missing []int64
	err := retryOnBusy(ctx, 5, func() error {
		deleted, missing = 0, nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE id IN (`+placeholders+`);`, args...)
		if err != nil {
			return fmt.Errorf("check ids: %w", err)
		}
		found := make(map[int64]struct{}, len(ids))
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan id: %w", err)
			}
			found[id] = struct{}{}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close id rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("id rows: %w", err)
		}

		for _, id := range ids {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil // all-or-nothing: leave the tx to roll back
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+placeholders+`);`, args...)
		if err != nil {
			return fmt.Errorf("delete ids: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, nil, storageErr("batch delete", err)
	}
	return deleted, missing, nil
}

// InsertIfTitleAbsent inserts a task unless one with the exact same title
// already exists. Check and insert are a single statement, so imports cannot
// race a concurrent create into a duplicate. It reports whether a row was
// inserted.
func (s *Store) InsertIfTitleAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	task := domain.Task{Title: title, Completed: completed, CreatedAt: time.Now().UTC()}
	if due != nil {
		d := due.UTC()
		task.DueDate = &d
	}
	inserted := false
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (title, completed, created_at, due_date)
			SELECT ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM tasks WHERE title = ?);
		`, task.Title, task.Completed, task.CreatedAt, nullableTime(task.DueDate), task.Title)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			inserted = false
			return nil
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		task.ID = id
		inserted = true
		return nil
	})
	if err != nil {
		return domain.Task{}, false, storageErr("conditional insert", err)
	}
	if !inserted {
		return domain.Task{}, false, nil
	}
	return task, true, nil
}

// ExistsByTitle reports whether a task with the exact title exists.
func (s *Store) ExistsByTitle(ctx context.Context, title string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM tasks WHERE title = ?);
	`, title).Scan(&exists); err != nil {
		return false, storageErr("exists by title", err)
	}
	return exists, nil
}

// Ping verifies the database answers queries. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
