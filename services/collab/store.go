package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/anoint-array/platform/internal/domain/collab"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/internal/storage/kv"
)

// TaskStore persists tasks.
type TaskStore interface {
	// Create stores t unless its idempotency key is already taken, in which
	// case it returns the existing task and false.
	Create(ctx context.Context, t collab.Task) (collab.Task, bool, error)
	// Get returns storage.ErrNotFound for an unknown ID.
	Get(ctx context.Context, id string) (collab.Task, error)
	Update(ctx context.Context, t collab.Task) error
	// List returns every task, newest first.
	List(ctx context.Context) ([]collab.Task, error)
}

func newestFirst(tasks []collab.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// ===== Memory =====

// MemoryTaskStore keeps tasks in process memory.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]collab.Task
	keys  map[string]string
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]collab.Task), keys: make(map[string]string)}
}

func (s *MemoryTaskStore) Create(_ context.Context, t collab.Task) (collab.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IdempotencyKey != "" {
		if id, ok := s.keys[t.IdempotencyKey]; ok {
			return s.tasks[id], false, nil
		}
		s.keys[t.IdempotencyKey] = t.ID
	}
	s.tasks[t.ID] = t
	return t, true, nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (collab.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return collab.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *MemoryTaskStore) Update(_ context.Context, t collab.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return storage.ErrNotFound
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryTaskStore) List(_ context.Context) ([]collab.Task, error) {
	s.mu.RLock()
	out := make([]collab.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()
	newestFirst(out)
	return out, nil
}

// ===== Redis =====

// RedisTaskStore keeps tasks as JSON in Redis so they survive restarts.
//
//	collab:task:<id>     task JSON
//	collab:tasks         set of task IDs
//	collab:idem:<key>    task ID for an idempotency key
type RedisTaskStore struct {
	client redis.Cmdable
}

// NewRedisTaskStore creates a store over client.
func NewRedisTaskStore(client redis.Cmdable) *RedisTaskStore {
	return &RedisTaskStore{client: client}
}

const (
	taskKeyPrefix = "collab:task:"
	taskIndexKey  = "collab:tasks"
	idemKeyPrefix = "collab:idem:"
)

func (s *RedisTaskStore) Create(ctx context.Context, t collab.Task) (collab.Task, bool, error) {
	if t.IdempotencyKey != "" {
		ok, err := s.client.SetNX(ctx, idemKeyPrefix+t.IdempotencyKey, t.ID, 0).Result()
		if err != nil {
			return collab.Task{}, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !ok {
			id, err := s.client.Get(ctx, idemKeyPrefix+t.IdempotencyKey).Result()
			if err != nil {
				return collab.Task{}, false, fmt.Errorf("read idempotency key: %w", err)
			}
			existing, err := s.Get(ctx, id)
			return existing, false, err
		}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return collab.Task{}, false, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKeyPrefix+t.ID, data, 0)
		pipe.SAdd(ctx, taskIndexKey, t.ID)
		return nil
	})
	if err != nil {
		return collab.Task{}, false, fmt.Errorf("store task: %w", err)
	}
	return t, true, nil
}

func (s *RedisTaskStore) Get(ctx context.Context, id string) (collab.Task, error) {
	data, err := s.client.Get(ctx, taskKeyPrefix+id).Bytes()
	if kv.IsMiss(err) {
		return collab.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return collab.Task{}, fmt.Errorf("load task: %w", err)
	}
	var t collab.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return collab.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (s *RedisTaskStore) Update(ctx context.Context, t collab.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, taskKeyPrefix+t.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (s *RedisTaskStore) List(ctx context.Context) ([]collab.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		return []collab.Task{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKeyPrefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	out := make([]collab.Task, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var t collab.Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	newestFirst(out)
	return out, nil
}
