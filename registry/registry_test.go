package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
)

// fakeSession implements Session for registry tests.
type fakeSession struct {
	token      string
	superseded atomic.Bool
	pushed     []frame.Command
	mu         sync.Mutex
}

func (f *fakeSession) Token() string { return f.token }
func (f *fakeSession) Supersede()    { f.superseded.Store(true) }
func (f *fakeSession) PushCommand(cmd frame.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, cmd)
	return nil
}

func newTestRegistry() *Registry {
	return New(Deps{Store: NewMemoryStore()})
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	sess := &fakeSession{token: "tok-1"}

	reg, err := r.Register("dev-1", sess, Metadata{ProtocolVersion: 1})
	require.NoError(t, err)
	assert.False(t, reg.Superseded)

	got, ok := r.Lookup("dev-1")
	require.True(t, ok)
	assert.Equal(t, "tok-1", got.Token())
	assert.True(t, r.Online("dev-1"))

	_, ok = r.Lookup("dev-2")
	assert.False(t, ok)
}

func TestOnRegisterHookFiresAfterInstall(t *testing.T) {
	r := newTestRegistry()

	var seen []DeviceID
	r.OnRegister(func(id DeviceID) {
		// The session must already be resolvable when the hook runs.
		_, ok := r.Lookup(id)
		assert.True(t, ok)
		seen = append(seen, id)
	})

	_, err := r.Register("dev-1", &fakeSession{token: "tok-1"}, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, []DeviceID{"dev-1"}, seen)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Register("", &fakeSession{token: "t"}, Metadata{})
	assert.Error(t, err)

	_, err = r.Register("dev-1", nil, Metadata{})
	assert.Error(t, err)

	_, err = r.Register("dev-1", &fakeSession{}, Metadata{})
	assert.Error(t, err, "empty token must be rejected")
}

func TestRegisterSupersedes(t *testing.T) {
	r := newTestRegistry()
	old := &fakeSession{token: "tok-old"}
	newer := &fakeSession{token: "tok-new"}

	_, err := r.Register("dev-1", old, Metadata{})
	require.NoError(t, err)

	reg, err := r.Register("dev-1", newer, Metadata{})
	require.NoError(t, err, "supersede is informational, never an error")
	assert.True(t, reg.Superseded)
	assert.Equal(t, "tok-old", reg.SupersededToken)
	assert.True(t, old.superseded.Load(), "old session must be signalled for teardown")
	assert.False(t, newer.superseded.Load())

	got, ok := r.Lookup("dev-1")
	require.True(t, ok)
	assert.Equal(t, "tok-new", got.Token())
}

func TestUnregisterTokenChecked(t *testing.T) {
	r := newTestRegistry()
	old := &fakeSession{token: "tok-old"}
	newer := &fakeSession{token: "tok-new"}

	_, err := r.Register("dev-1", old, Metadata{})
	require.NoError(t, err)
	_, err = r.Register("dev-1", newer, Metadata{})
	require.NoError(t, err)

	// The superseded session's delayed teardown must not oust the new one
	err = r.Unregister("dev-1", "tok-old")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStaleSession)
	assert.True(t, r.Online("dev-1"))

	// The current session's teardown takes the entry offline
	require.NoError(t, r.Unregister("dev-1", "tok-new"))
	assert.False(t, r.Online("dev-1"))

	// Metadata survives the disconnect
	meta, ok := r.Meta("dev-1")
	require.True(t, ok)
	assert.False(t, meta.LastSeen.IsZero())
}

func TestUnregisterUnknownDevice(t *testing.T) {
	r := newTestRegistry()

	err := r.Unregister("dev-404", "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDeviceNotFound)
}

func TestLoadRehydratesOffline(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Persist(context.Background(), "dev-1", Metadata{ProtocolVersion: 1}))
	require.NoError(t, store.Persist(context.Background(), "dev-2", Metadata{ProtocolVersion: 2}))

	r := New(Deps{Store: store})
	require.NoError(t, r.Load(context.Background()))

	known, online := r.Counts()
	assert.Equal(t, 2, known)
	assert.Equal(t, 0, online, "rehydrated devices start offline")

	meta, ok := r.Meta("dev-2")
	require.True(t, ok)
	assert.Equal(t, 2, meta.ProtocolVersion)
}

func TestRegisterPersistsMetadata(t *testing.T) {
	store := NewMemoryStore()
	r := New(Deps{Store: store})

	_, err := r.Register("dev-1", &fakeSession{token: "tok-1"}, Metadata{ProtocolVersion: 1})
	require.NoError(t, err)

	// Persistence runs off the caller's goroutine
	require.Eventually(t, func() bool {
		records, err := store.LoadKnownDevices(context.Background())
		return err == nil && len(records) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClosedRegistryRejectsRegistration(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register("dev-1", &fakeSession{token: "tok-1"}, Metadata{})
	require.NoError(t, err)

	r.Close()

	_, err = r.Register("dev-2", &fakeSession{token: "tok-2"}, Metadata{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRegistryClosed)

	// Existing sessions still resolve during drain
	assert.True(t, r.Online("dev-1"))
}

func TestSingleLiveSessionUnderConcurrentRegistration(t *testing.T) {
	r := newTestRegistry()

	const goroutines = 16
	sessions := make([]*fakeSession, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		sessions[i] = &fakeSession{token: fmt.Sprintf("tok-%d", i)}
		go func(s *fakeSession) {
			defer wg.Done()
			_, _ = r.Register("dev-1", s, Metadata{})
		}(sessions[i])
	}
	wg.Wait()

	// Exactly one session survives; every other one was superseded
	winner, ok := r.Lookup("dev-1")
	require.True(t, ok)

	supersededCount := 0
	for _, s := range sessions {
		if s.superseded.Load() {
			supersededCount++
			assert.NotEqual(t, winner.Token(), s.Token(), "the live session must not be signalled")
		}
	}
	assert.Equal(t, goroutines-1, supersededCount)

	_, online := r.Counts()
	assert.Equal(t, 1, online)
}

func TestConcurrentDistinctDevices(t *testing.T) {
	r := newTestRegistry()

	const devices = 64
	var wg sync.WaitGroup
	wg.Add(devices)
	for i := 0; i < devices; i++ {
		go func(n int) {
			defer wg.Done()
			id := DeviceID(fmt.Sprintf("dev-%d", n))
			tok := fmt.Sprintf("tok-%d", n)
			_, err := r.Register(id, &fakeSession{token: tok}, Metadata{})
			assert.NoError(t, err)
			assert.NoError(t, r.Unregister(id, tok))
		}(i)
	}
	wg.Wait()

	known, online := r.Counts()
	assert.Equal(t, devices, known)
	assert.Equal(t, 0, online)
}
