package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"nata-api/domain"
)

type stubBackend struct {
	fetchAllFn            func(ctx context.Context) ([]domain.Task, error)
	insertFn              func(ctx context.Context, title string, due *time.Time) (domain.Task, error)
	updateCompletedFn     func(ctx context.Context, id int64, from, to bool) (bool, error)
	deleteOneFn           func(ctx context.Context, id int64) (bool, error)
	deleteManyFn          func(ctx context.Context, ids []int64) (int64, []int64, error)
	insertIfTitleAbsentFn func(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error)
}

func (s *stubBackend) FetchAll(ctx context.Context) ([]domain.Task, error) {
	if s.fetchAllFn == nil {
		return nil, errors.New("unexpected FetchAll call")
	}
	return s.fetchAllFn(ctx)
}

func (s *stubBackend) Insert(ctx context.Context, title string, due *time.Time) (domain.Task, error) {
	if s.insertFn == nil {
		return domain.Task{}, errors.New("unexpected Insert call")
	}
	return s.insertFn(ctx, title, due)
}

func (s *stubBackend) UpdateCompleted(ctx context.Context, id int64, from, to bool) (bool, error) {
	if s.updateCompletedFn == nil {
		return false, errors.New("unexpected UpdateCompleted call")
	}
	return s.updateCompletedFn(ctx, id, from, to)
}

func (s *stubBackend) DeleteOne(ctx context.Context, id int64) (bool, error) {
	if s.deleteOneFn == nil {
		return false, errors.New("unexpected DeleteOne call")
	}
	return s.deleteOneFn(ctx, id)
}

func (s *stubBackend) DeleteMany(ctx context.Context, ids []int64) (int64, []int64, error) {
	if s.deleteManyFn == nil {
		return 0, nil, errors.New("unexpected DeleteMany call")
	}
	return s.deleteManyFn(ctx, ids)
}

func (s *stubBackend) InsertIfTitleAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error) {
	if s.insertIfTitleAbsentFn == nil {
		return domain.Task{}, false, errors.New("unexpected InsertIfTitleAbsent call")
	}
	return s.insertIfTitleAbsentFn(ctx, title, completed, due)
}

func newCacheTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheFetchAllMissThenHit(t *testing.T) {
	mr, client := newCacheTestClient(t)

	ctx := context.Background()
	expected := []domain.Task{{ID: 1, Title: "Write code"}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchAllFn: func(ctx context.Context) ([]domain.Task, error) {
			calls++
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.FetchAll(ctx)
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	if ttl := mr.TTL(tasksCacheKey); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.FetchAll(ctx)
	if err != nil {
		t.Fatalf("fetch cached: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid the backend, calls=%d", calls)
	}
}

func TestCacheMutationsEvict(t *testing.T) {
	_, client := newCacheTestClient(t)
	ctx := context.Background()

	var fetches int
	cache := NewCache(&stubBackend{
		fetchAllFn: func(ctx context.Context) ([]domain.Task, error) {
			fetches++
			return []domain.Task{}, nil
		},
		insertFn: func(ctx context.Context, title string, due *time.Time) (domain.Task, error) {
			return domain.Task{ID: 1, Title: title}, nil
		},
		deleteOneFn: func(ctx context.Context, id int64) (bool, error) {
			return true, nil
		},
		updateCompletedFn: func(ctx context.Context, id int64, from, to bool) (bool, error) {
			return true, nil
		},
	}, client, time.Minute)

	if _, err := cache.FetchAll(ctx); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := cache.Insert(ctx, "evicts", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := cache.FetchAll(ctx); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("expected insert to evict the cached list, fetches=%d", fetches)
	}

	if _, err := cache.UpdateCompleted(ctx, 1, false, true); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := cache.FetchAll(ctx); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if fetches != 3 {
		t.Fatalf("expected toggle to evict the cached list, fetches=%d", fetches)
	}

	if _, err := cache.DeleteOne(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cache.FetchAll(ctx); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if fetches != 4 {
		t.Fatalf("expected delete to evict the cached list, fetches=%d", fetches)
	}
}

func TestCacheFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newCacheTestClient(t)
	ctx := context.Background()

	expected := []domain.Task{{ID: 7, Title: "Still served"}}
	cache := NewCache(&stubBackend{
		fetchAllFn: func(ctx context.Context) ([]domain.Task, error) {
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	mr.Close()

	tasks, err := cache.FetchAll(ctx)
	if err != nil {
		t.Fatalf("expected fallback to backend, got %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}
