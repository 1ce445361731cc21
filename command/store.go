package command

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/c360/fieldgate/errors"
)

// Store persists Pending commands across gateway restarts. Only consulted
// when persist_pending_commands is enabled.
type Store interface {
	SavePending(ctx context.Context, cmds []Command) error
	LoadPending(ctx context.Context) ([]Command, error)
}

// MemoryStore is an in-process Store for tests and single-run deployments.
type MemoryStore struct {
	mu   sync.Mutex
	cmds []Command
}

// NewMemoryStore creates an empty in-memory command store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SavePending implements Store.
func (m *MemoryStore) SavePending(_ context.Context, cmds []Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append([]Command(nil), cmds...)
	return nil
}

// LoadPending implements Store.
func (m *MemoryStore) LoadPending(_ context.Context) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.cmds...), nil
}

const redisPendingKey = "fieldgate:commands:pending"

// RedisStore keeps the pending snapshot in a single redis key so a restart
// replaces it atomically.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SavePending implements Store.
func (r *RedisStore) SavePending(ctx context.Context, cmds []Command) error {
	if len(cmds) == 0 {
		if err := r.client.Del(ctx, redisPendingKey).Err(); err != nil {
			return errors.WrapTransient(err, "RedisStore", "SavePending", "clear snapshot")
		}
		return nil
	}

	data, err := json.Marshal(cmds)
	if err != nil {
		return errors.WrapInvalid(err, "RedisStore", "SavePending", "snapshot marshal")
	}
	if err := r.client.Set(ctx, redisPendingKey, data, 0).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "SavePending", "snapshot write")
	}
	return nil
}

// LoadPending implements Store.
func (r *RedisStore) LoadPending(ctx context.Context) ([]Command, error) {
	data, err := r.client.Get(ctx, redisPendingKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisStore", "LoadPending", "snapshot read")
	}

	var cmds []Command
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, errors.WrapInvalid(err, "RedisStore", "LoadPending", "snapshot unmarshal")
	}
	return cmds, nil
}
