package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldgate/config"
	"github.com/c360/fieldgate/errors"
	"github.com/c360/fieldgate/frame"
	"github.com/c360/fieldgate/registry"
)

type fakeSession struct {
	mu     sync.Mutex
	pushed []frame.Command
	reject bool
}

func (f *fakeSession) Token() string { return "fake-token" }
func (f *fakeSession) Supersede()    {}

func (f *fakeSession) PushCommand(cmd frame.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errors.WrapTransient(errors.ErrQueueFull, "fakeSession", "PushCommand", "induced")
	}
	f.pushed = append(f.pushed, cmd)
	return nil
}

func (f *fakeSession) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type fakeResolver struct {
	mu       sync.Mutex
	sessions map[registry.DeviceID]*fakeSession
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{sessions: make(map[registry.DeviceID]*fakeSession)}
}

func (r *fakeResolver) connect(id registry.DeviceID) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := &fakeSession{}
	r.sessions[id] = sess
	return sess
}

func (r *fakeResolver) Lookup(id registry.DeviceID) (registry.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sess, true
}

func commandConfig() config.CommandConfig {
	return config.CommandConfig{
		ExpiryDefault: config.Duration(time.Minute),
		MaxRetries:    1,
	}
}

func startDispatcher(t *testing.T, cfg config.CommandConfig, resolver SessionResolver, store Store) *Dispatcher {
	t.Helper()
	d := NewDispatcher(Deps{Config: cfg, Resolver: resolver, Store: store})
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })
	return d
}

func awaitResult(t *testing.T, h *Handle, within time.Duration) Result {
	t.Helper()
	select {
	case res := <-h.Done():
		return res
	case <-time.After(within):
		t.Fatalf("no terminal result for command %s within %v", h.ID(), within)
		return Result{}
	}
}

func TestSubmitOnlineIsSent(t *testing.T) {
	resolver := newFakeResolver()
	sess := resolver.connect("dev-1")
	d := startDispatcher(t, commandConfig(), resolver, nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())

	state, ok := d.State(h.ID())
	require.True(t, ok)
	assert.Equal(t, StateSent, state)
	assert.Equal(t, 1, sess.pushCount())
}

func TestSubmitOfflineStaysPending(t *testing.T) {
	d := startDispatcher(t, commandConfig(), newFakeResolver(), nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	state, ok := d.State(h.ID())
	require.True(t, ok)
	assert.Equal(t, StatePending, state)
}

func TestPendingFlushedWhenDeviceComesOnline(t *testing.T) {
	resolver := newFakeResolver()
	d := startDispatcher(t, commandConfig(), resolver, nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	state, ok := d.State(h.ID())
	require.True(t, ok)
	require.Equal(t, StatePending, state)

	sess := resolver.connect("dev-1")
	d.DeviceOnline("dev-1")

	assert.Equal(t, 1, sess.pushCount())
	state, ok = d.State(h.ID())
	require.True(t, ok)
	assert.Equal(t, StateSent, state)
}

func TestPendingFlushedInSubmissionOrder(t *testing.T) {
	resolver := newFakeResolver()
	d := startDispatcher(t, commandConfig(), resolver, nil)

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		h, err := d.Submit(Command{DeviceID: "dev-1", Name: name})
		require.NoError(t, err)
		ids = append(ids, h.ID())
	}
	// A command for another device must not ride along.
	_, err := d.Submit(Command{DeviceID: "dev-2", Name: "other"})
	require.NoError(t, err)

	sess := resolver.connect("dev-1")
	d.DeviceOnline("dev-1")

	sess.mu.Lock()
	defer sess.mu.Unlock()
	require.Len(t, sess.pushed, 3)
	for i, cmd := range sess.pushed {
		assert.Equal(t, ids[i], cmd.ID)
	}
}

func TestOfflineExpiryNeverSent(t *testing.T) {
	cfg := commandConfig()
	cfg.ExpiryDefault = config.Duration(50 * time.Millisecond)
	d := startDispatcher(t, cfg, newFakeResolver(), nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	res := awaitResult(t, h, 2*time.Second)
	assert.Equal(t, StateExpired, res.State)
	assert.ErrorIs(t, res.Err, errors.ErrCommandExpired)
}

func TestSentExpiryRetriesExactlyOnce(t *testing.T) {
	resolver := newFakeResolver()
	sess := resolver.connect("dev-1")

	cfg := commandConfig()
	cfg.ExpiryDefault = config.Duration(60 * time.Millisecond)
	d := startDispatcher(t, cfg, resolver, nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	res := awaitResult(t, h, 3*time.Second)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, errors.ErrCommandFailed)
	assert.Equal(t, 2, sess.pushCount(), "original send plus exactly one retry")
}

func TestAckBeforeExpiry(t *testing.T) {
	resolver := newFakeResolver()
	resolver.connect("dev-1")
	d := startDispatcher(t, commandConfig(), resolver, nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	d.Ack(h.ID())
	res := awaitResult(t, h, time.Second)
	assert.Equal(t, StateAcked, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, d.Pending())
}

func TestAckIdempotent(t *testing.T) {
	resolver := newFakeResolver()
	resolver.connect("dev-1")
	d := startDispatcher(t, commandConfig(), resolver, nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	d.Ack(h.ID())
	d.Ack(h.ID())
	d.Ack("never-existed")

	res := awaitResult(t, h, time.Second)
	assert.Equal(t, StateAcked, res.State)
}

func TestCancel(t *testing.T) {
	d := startDispatcher(t, commandConfig(), newFakeResolver(), nil)

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(h.ID()))
	res := awaitResult(t, h, time.Second)
	assert.Equal(t, StateCancelled, res.State)
	assert.ErrorIs(t, res.Err, errors.ErrCommandCancelled)

	// Cancelling again, or cancelling a made-up id, is a no-op.
	assert.NoError(t, d.Cancel(h.ID()))
	assert.NoError(t, d.Cancel("never-existed"))
}

func TestDuplicateSubmitRejected(t *testing.T) {
	d := startDispatcher(t, commandConfig(), newFakeResolver(), nil)

	_, err := d.Submit(Command{ID: "c1", DeviceID: "dev-1", Name: "a"})
	require.NoError(t, err)
	_, err = d.Submit(Command{ID: "c1", DeviceID: "dev-1", Name: "b"})
	assert.Error(t, err)
}

func TestPersistPendingAcrossRestart(t *testing.T) {
	store := NewMemoryStore()
	cfg := commandConfig()
	cfg.PersistPendingCommands = true

	d := NewDispatcher(Deps{Config: cfg, Resolver: newFakeResolver(), Store: store})
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Start(context.Background()))

	h, err := d.Submit(Command{DeviceID: "dev-1", Name: "reboot"})
	require.NoError(t, err)
	require.NoError(t, d.Stop(time.Second))

	saved, err := store.LoadPending(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, h.ID(), saved[0].ID)

	resolver := newFakeResolver()
	reborn := NewDispatcher(Deps{Config: cfg, Resolver: resolver, Store: store})
	require.NoError(t, reborn.Initialize())
	require.NoError(t, reborn.Start(context.Background()))
	t.Cleanup(func() { _ = reborn.Stop(time.Second) })

	assert.Equal(t, 1, reborn.Pending())
	state, ok := reborn.State(h.ID())
	require.True(t, ok)
	assert.Equal(t, StatePending, state)

	// A restored command still reaches the device when it reconnects.
	sess := resolver.connect("dev-1")
	reborn.DeviceOnline("dev-1")
	assert.Equal(t, 1, sess.pushCount())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	ctx := context.Background()

	cmds := []Command{{
		ID:        "c1",
		DeviceID:  "dev-1",
		Name:      "reboot",
		Params:    map[string]interface{}{"delay": "5s"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond),
	}}
	require.NoError(t, store.SavePending(ctx, cmds))

	loaded, err := store.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, cmds[0].ID, loaded[0].ID)
	assert.Equal(t, cmds[0].Name, loaded[0].Name)

	require.NoError(t, store.SavePending(ctx, nil))
	loaded, err = store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
