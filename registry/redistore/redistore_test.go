package redistore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldgate/registry"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestPersistAndLoad(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := registry.Metadata{
		Capabilities:    []string{"telemetry", "commands"},
		ProtocolVersion: 1,
		LastSeen:        time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Persist(ctx, "dev-1", meta))
	require.NoError(t, store.Persist(ctx, "dev-2", registry.Metadata{ProtocolVersion: 2}))

	records, err := store.LoadKnownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[registry.DeviceID]registry.Metadata{}
	for _, rec := range records {
		byID[rec.DeviceID] = rec.Metadata
	}
	assert.Equal(t, meta.Capabilities, byID["dev-1"].Capabilities)
	assert.True(t, meta.LastSeen.Equal(byID["dev-1"].LastSeen))
	assert.Equal(t, 2, byID["dev-2"].ProtocolVersion)
}

func TestPersistOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Persist(ctx, "dev-1", registry.Metadata{ProtocolVersion: 1}))
	require.NoError(t, store.Persist(ctx, "dev-1", registry.Metadata{ProtocolVersion: 3}))

	records, err := store.LoadKnownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Metadata.ProtocolVersion)
}

func TestLoadEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	records, err := store.LoadKnownDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadSkipsDanglingIndexEntries(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Persist(ctx, "dev-1", registry.Metadata{ProtocolVersion: 1}))
	mr.SAdd(deviceIndexKey, "ghost")

	records, err := store.LoadKnownDevices(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, registry.DeviceID("dev-1"), records[0].DeviceID)
}

func TestLoadUnavailableServer(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.LoadKnownDevices(context.Background())
	require.Error(t, err)
}

func TestNewFromURL(t *testing.T) {
	_, err := NewFromURL("not a url")
	require.Error(t, err)

	mr := miniredis.RunT(t)
	store, err := NewFromURL("redis://" + mr.Addr())
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	_ = store.Close()
}
