package registry

import (
	"context"
	"sync"
)

// DeviceRecord pairs a device with its persisted metadata.
type DeviceRecord struct {
	DeviceID DeviceID `json:"device_id"`
	Metadata Metadata `json:"metadata"`
}

// Store is the pluggable persistence interface the registry consumes. The
// core never assumes a particular storage engine.
type Store interface {
	// LoadKnownDevices returns every persisted device record.
	LoadKnownDevices(ctx context.Context) ([]DeviceRecord, error)

	// Persist writes the metadata for one device.
	Persist(ctx context.Context, id DeviceID, meta Metadata) error
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[DeviceID]Metadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[DeviceID]Metadata)}
}

// LoadKnownDevices implements Store.
func (m *MemoryStore) LoadKnownDevices(_ context.Context) ([]DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceRecord, 0, len(m.devices))
	for id, meta := range m.devices {
		out = append(out, DeviceRecord{DeviceID: id, Metadata: meta})
	}
	return out, nil
}

// Persist implements Store.
func (m *MemoryStore) Persist(_ context.Context, id DeviceID, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = meta
	return nil
}
