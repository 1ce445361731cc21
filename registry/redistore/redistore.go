// Package redistore persists registry device records in Redis. It is one
// implementation of the registry's pluggable Store interface; the core never
// depends on it directly.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/registry"
)

const (
	deviceKeyPrefix = "fieldgate:device:"
	deviceIndexKey  = "fieldgate:devices"
)

// Store persists device metadata in Redis. One JSON value per device plus a
// set indexing the known device IDs.
type Store struct {
	client *redis.Client
}

// New creates a Store over an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// NewFromURL connects to Redis at the given URL (redis://host:port/db).
func NewFromURL(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.WrapInvalid(err, "redistore", "NewFromURL", "redis URL parsing")
	}
	return &Store{client: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "redistore", "Ping", "redis connectivity check")
	}
	return nil
}

// LoadKnownDevices implements registry.Store.
func (s *Store) LoadKnownDevices(ctx context.Context) ([]registry.DeviceRecord, error) {
	ids, err := s.client.SMembers(ctx, deviceIndexKey).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "redistore", "LoadKnownDevices", "device index read")
	}

	records := make([]registry.DeviceRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, deviceKeyPrefix+id).Result()
		if err == redis.Nil {
			// Index entry without a record; skip rather than fail the load
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "redistore", "LoadKnownDevices", "device record read")
		}

		var meta registry.Metadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, errors.WrapInvalid(err, "redistore", "LoadKnownDevices",
				fmt.Sprintf("device record decode for %s", id))
		}
		records = append(records, registry.DeviceRecord{
			DeviceID: registry.DeviceID(id),
			Metadata: meta,
		})
	}
	return records, nil
}

// Persist implements registry.Store.
func (s *Store) Persist(ctx context.Context, id registry.DeviceID, meta registry.Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.WrapInvalid(err, "redistore", "Persist", "device record encode")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deviceKeyPrefix+string(id), raw, 0)
	pipe.SAdd(ctx, deviceIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "redistore", "Persist", "device record write")
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
