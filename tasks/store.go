package tasks

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"nata-api/domain"
)

// toggleAttempts bounds the read + compare-and-set loop in Toggle. With a
// single-writer SQLite connection contention resolves within a retry or two.
const toggleAttempts = 3

// Adapter abstracts the persistence layer for the task store.
type Adapter interface {
	FetchAll(ctx context.Context) ([]domain.Task, error)
	FetchOne(ctx context.Context, id int64) (domain.Task, error)
	Insert(ctx context.Context, title string, due *time.Time) (domain.Task, error)
	UpdateCompleted(ctx context.Context, id int64, from, to bool) (bool, error)
	DeleteOne(ctx context.Context, id int64) (bool, error)
	DeleteMany(ctx context.Context, ids []int64) (int64, []int64, error)
	InsertIfTitleAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error)
	ExistsByTitle(ctx context.Context, title string) (bool, error)
}

// Store owns the task lifecycle: creation, listing, toggling and deletion.
// All persistence goes through the injected Adapter.
type Store struct {
	adapter Adapter
	logger  *log.Logger
}

// NewStore creates a Store backed by the given adapter.
func NewStore(adapter Adapter, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{adapter: adapter, logger: logger}
}

// ListAll returns every task: dated tasks ascending by due date, then
// undated tasks by descending creation time.
func (s *Store) ListAll(ctx context.Context) ([]domain.Task, error) {
	return s.adapter.FetchAll(ctx)
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, id int64) (domain.Task, error) {
	return s.adapter.FetchOne(ctx, id)
}

// Create validates and stores a new task. The title is trimmed; an empty
// result is a ValidationError. The returned task carries the assigned id.
func (s *Store) Create(ctx context.Context, title string, due *time.Time) (domain.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Task{}, domain.Validationf("task title must not be empty")
	}
	task, err := s.adapter.Insert(ctx, title, due)
	if err != nil {
		return domain.Task{}, err
	}
	s.logger.WithFields(log.Fields{
		"task_id": task.ID,
		"due":     task.DueDate != nil,
	}).Debug("task created")
	return task, nil
}

// Toggle flips the completed flag of the task with the given id and returns
// the new state. The flip is a read followed by a compare-and-set against
// the observed state, so two concurrent toggles can never both apply from
// the same snapshot.
func (s *Store) Toggle(ctx context.Context, id int64) (bool, error) {
	for attempt := 0; attempt < toggleAttempts; attempt++ {
		task, err := s.adapter.FetchOne(ctx, id)
		if err != nil {
			return false, err
		}
		changed, err := s.adapter.UpdateCompleted(ctx, id, task.Completed, !task.Completed)
		if err != nil {
			return false, err
		}
		if changed {
			s.logger.WithFields(log.Fields{
				"task_id":   id,
				"completed": !task.Completed,
			}).Debug("task toggled")
			return !task.Completed, nil
		}
		// Lost the race: another request changed or removed the row between
		// the read and the update. Re-read and try again.
	}
	return false, domain.Storagef("toggle", errors.New("contention exceeded retry budget"))
}

// Delete removes the task with the given id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	deleted, err := s.adapter.DeleteOne(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.NotFound(id)
	}
	s.logger.WithField("task_id", id).Debug("task deleted")
	return nil
}

// BatchDelete removes every task in ids. The operation is all-or-nothing:
// when any id does not exist, nothing is deleted and the NotFoundError names
// every missing id.
func (s *Store) BatchDelete(ctx context.Context, ids []int64) (int64, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, domain.Validationf("id set must not be empty")
	}
	deleted, missing, err := s.adapter.DeleteMany(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(missing) > 0 {
		return 0, domain.NotFound(missing...)
	}
	s.logger.WithField("count", deleted).Debug("tasks batch-deleted")
	return deleted, nil
}

// ExistsByTitle reports whether a task with the exact title exists.
func (s *Store) ExistsByTitle(ctx context.Context, title string) (bool, error) {
	return s.adapter.ExistsByTitle(ctx, title)
}

// CreateIfAbsent inserts a task unless one with the same title exists.
// Unlike Create it preserves a caller-supplied completed flag; the duplicate
// check and the insert are atomic in the adapter.
func (s *Store) CreateIfAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error) {
	return s.adapter.InsertIfTitleAbsent(ctx, title, completed, due)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
