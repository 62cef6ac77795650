package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"nata-api/domain"
)

const tasksCacheKey = "nata:tasks"

type backend interface {
	FetchAll(ctx context.Context) ([]domain.Task, error)
	Insert(ctx context.Context, title string, due *time.Time) (domain.Task, error)
	UpdateCompleted(ctx context.Context, id int64, from, to bool) (bool, error)
	DeleteOne(ctx context.Context, id int64) (bool, error)
	DeleteMany(ctx context.Context, ids []int64) (int64, []int64, error)
	InsertIfTitleAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error)
}

// Cache wraps a Store with Redis-backed caching of the task list. Every
// mutation evicts the cached list. Redis failures never fail a request; the
// cache falls back to the backing store.
type Cache struct {
	*Store
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{base: base, redis: client, ttl: ttl}
	if s, ok := base.(*Store); ok {
		c.Store = s
	}
	return c
}

func (c *Cache) FetchAll(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchAll(ctx)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tasks)
	return tasks, nil
}

func (c *Cache) Insert(ctx context.Context, title string, due *time.Time) (domain.Task, error) {
	task, err := c.base.Insert(ctx, title, due)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return task, nil
}

func (c *Cache) UpdateCompleted(ctx context.Context, id int64, from, to bool) (bool, error) {
	changed, err := c.base.UpdateCompleted(ctx, id, from, to)
	if err != nil {
		return false, err
	}
	if changed {
		c.evict(ctx)
	}
	return changed, nil
}

func (c *Cache) DeleteOne(ctx context.Context, id int64) (bool, error) {
	deleted, err := c.base.DeleteOne(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.evict(ctx)
	}
	return deleted, nil
}

func (c *Cache) DeleteMany(ctx context.Context, ids []int64) (int64, []int64, error) {
	deleted, missing, err := c.base.DeleteMany(ctx, ids)
	if err != nil {
		return 0, nil, err
	}
	if deleted > 0 {
		c.evict(ctx)
	}
	return deleted, missing, nil
}

func (c *Cache) InsertIfTitleAbsent(ctx context.Context, title string, completed bool, due *time.Time) (domain.Task, bool, error) {
	task, inserted, err := c.base.InsertIfTitleAbsent(ctx, title, completed, due)
	if err != nil {
		return domain.Task{}, false, err
	}
	if inserted {
		c.evict(ctx)
	}
	return task, inserted, nil
}

func (c *Cache) loadFromCache(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, tasksCacheKey).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey).Err()
}
