package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nata-api/domain"
)

// fakeAdapter is an in-memory Adapter with the same conditional-write
// semantics as the SQLite implementation.
type fakeAdapter struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]domain.Task
	order  []int64

	// beforeCAS runs between the store's read and its compare-and-set,
	// simulating a concurrent mutation.
	beforeCAS func()
	failWith  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{tasks: map[int64]domain.Task{}}
}

func (f *fakeAdapter) FetchAll(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([]domain.Task, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.tasks[id])
	}
	return out, nil
}

func (f *fakeAdapter) FetchOne(ctx context.Context, id int64) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Task{}, f.failWith
	}
	task, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFound(id)
	}
	return task, nil
}

func (f *fakeAdapter) Insert(ctx context.Context, title string, due *time.Time) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Task{}, f.failWith
	}
	f.nextID++
	task := domain.Task{ID: f.nextID, Title: title, CreatedAt: time.Now().UTC(), DueDate: due}
	f.tasks[task.ID] = task
	f.order = append(f.order, task.ID)
	return task, nil
}

func (f *fakeAdapter) UpdateCompleted(ctx context.Context, id int64, from, to bool) (bool, error) {
	if f.beforeCAS != nil {
		f.beforeCAS()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	task, ok := f.tasks[id]
	if !ok || task.Completed != from {
		return false, nil
	}
	task.Completed = to
	f.tasks[id] = task
	return true, nil
}

func (f *fakeAdapter) DeleteOne(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	if _, ok := f.tasks[id]; !ok {
		return false, nil
	}
	f.remove(id)
	return true, nil
}

func (f *fakeAdapter) DeleteMany(ctx context.Context, ids []int64) (int64, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, nil, f.failWith
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := f.tasks[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return 0, missing, nil
	}
	for _, id := range ids {
		f.remove(id)
	}
	return int64(len(ids)), nil, nil
}

func (f *fakeAdapter) InsertIfTitleAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return domain.Task{}, false, f.failWith
	}
	for _, task := range f.tasks {
		if task.Title == title {
			return domain.Task{}, false, nil
		}
	}
	f.nextID++
	task := domain.Task{ID: f.nextID, Title: title, Completed: completed, CreatedAt: time.Now().UTC(), DueDate: due}
	f.tasks[task.ID] = task
	f.order = append(f.order, task.ID)
	return task, true, nil
}

func (f *fakeAdapter) ExistsByTitle(ctx context.Context, title string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	for _, task := range f.tasks {
		if task.Title == title {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAdapter) remove(id int64) {
	delete(f.tasks, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func TestCreateTrimsTitle(t *testing.T) {
	store := NewStore(newFakeAdapter(), nil)
	task, err := store.Create(context.Background(), "  Buy milk  ", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Title != "Buy milk" {
		t.Fatalf("expected trimmed title, got %q", task.Title)
	}
	if task.Completed {
		t.Fatalf("new task must start incomplete")
	}
}

func TestCreateRejectsEmptyTitles(t *testing.T) {
	store := NewStore(newFakeAdapter(), nil)
	for _, title := range []string{"", "   ", "\t\n"} {
		_, err := store.Create(context.Background(), title, nil)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("title %q: expected ValidationError, got %v", title, err)
		}
	}
}

func TestToggleIsAnInvolution(t *testing.T) {
	adapter := newFakeAdapter()
	store := NewStore(adapter, nil)
	ctx := context.Background()

	task, err := store.Create(ctx, "flip", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := store.Toggle(ctx, task.ID)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !state {
		t.Fatalf("expected first toggle to complete the task")
	}

	state, err = store.Toggle(ctx, task.ID)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if state {
		t.Fatalf("expected second toggle to return to incomplete")
	}
}

func TestToggleMissingTask(t *testing.T) {
	store := NewStore(newFakeAdapter(), nil)
	_, err := store.Toggle(context.Background(), 404)
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// A mutation landing between the store's read and its compare-and-set must
// not be lost: the store re-reads and applies its toggle on top.
func TestToggleRetriesAfterInterleavedWrite(t *testing.T) {
	adapter := newFakeAdapter()
	store := NewStore(adapter, nil)
	ctx := context.Background()

	task, err := store.Create(ctx, "contended", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	interleaved := false
	adapter.beforeCAS = func() {
		if interleaved {
			return
		}
		interleaved = true
		// Another request toggles the same task first.
		adapter.mu.Lock()
		other := adapter.tasks[task.ID]
		other.Completed = !other.Completed
		adapter.tasks[task.ID] = other
		adapter.mu.Unlock()
	}

	state, err := store.Toggle(ctx, task.ID)
	if err != nil {
		t.Fatalf("toggle under contention: %v", err)
	}
	// Two toggles applied in total: the interloper's and ours.
	if state {
		t.Fatalf("expected an even number of applied toggles to end incomplete")
	}
	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Completed != state {
		t.Fatalf("returned state %v does not match persisted %v", state, got.Completed)
	}
}

func TestDeleteMissingLeavesStateUnchanged(t *testing.T) {
	adapter := newFakeAdapter()
	store := NewStore(adapter, nil)
	ctx := context.Background()

	if _, err := store.Create(ctx, "keep me", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := store.Delete(ctx, 404)
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	tasks, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected store state unchanged, got %d tasks", len(tasks))
	}
}

func TestBatchDeleteAllOrNothing(t *testing.T) {
	adapter := newFakeAdapter()
	store := NewStore(adapter, nil)
	ctx := context.Background()

	a, _ := store.Create(ctx, "a", nil)
	b, _ := store.Create(ctx, "b", nil)

	_, err := store.BatchDelete(ctx, []int64{a.ID, b.ID, 999})
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if len(nf.IDs) != 1 || nf.IDs[0] != 999 {
		t.Fatalf("expected missing ids [999], got %v", nf.IDs)
	}

	tasks, _ := store.ListAll(ctx)
	if len(tasks) != 2 {
		t.Fatalf("expected no deletions, got %d tasks", len(tasks))
	}

	count, err := store.BatchDelete(ctx, []int64{a.ID, b.ID, b.ID})
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 deleted (duplicates collapsed), got %d", count)
	}
}

func TestBatchDeleteEmptySet(t *testing.T) {
	store := NewStore(newFakeAdapter(), nil)
	_, err := store.BatchDelete(context.Background(), nil)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStorageErrorsPropagateUnchanged(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failWith = domain.Storagef("query", errors.New("disk detached"))
	store := NewStore(adapter, nil)

	_, err := store.ListAll(context.Background())
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError to propagate, got %v", err)
	}
}
