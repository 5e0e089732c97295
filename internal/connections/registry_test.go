// ABOUTME: Tests for the connection registry and per-connection sequencing
// ABOUTME: Uses an in-memory transport that records frames

package connections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []any
	closed int
	fail   bool
}

func (t *recordingTransport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("broken pipe")
	}
	t.frames = append(t.frames, v)
	return nil
}

func (t *recordingTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = code
	return nil
}

func (t *recordingTransport) sent() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.frames...)
}

func testIdentity(name string) auth.Identity {
	return auth.Identity{UserID: "id-" + name, Username: name, Role: auth.RoleUser, Scopes: auth.DefaultScopes(auth.RoleUser)}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(nil)
	tr := &recordingTransport{}

	c := r.Add(testIdentity("alice"), tr, Info{Client: protocol.ClientInfo{Name: "cli", Version: "1"}})
	require.NotEmpty(t, c.ID)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, uint64(1), r.StateVersion())

	got, ok := r.Get(c.ID)
	require.True(t, ok)
	assert.Same(t, c, got)

	assert.True(t, r.Remove(c.ID))
	assert.False(t, r.Remove(c.ID))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint64(2), r.StateVersion())
}

func TestSendToUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	tr := &recordingTransport{}
	c := r.Add(testIdentity("alice"), tr, Info{})
	r.Remove(c.ID)

	assert.NoError(t, r.Send(t.Context(), c.ID, map[string]any{"x": 1}))
	assert.NoError(t, r.SendEvent(t.Context(), c.ID, "heartbeat", nil))
	assert.NoError(t, r.Send(t.Context(), "never-existed", nil))
	assert.Empty(t, tr.sent())
}

func TestSendEventSequencesPerConnection(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(nil)
	a, b := &recordingTransport{}, &recordingTransport{}
	ca := r.Add(testIdentity("a"), a, Info{})
	cb := r.Add(testIdentity("b"), b, Info{})

	require.NoError(t, r.SendEvent(ctx, ca.ID, "one", nil))
	require.NoError(t, r.SendEvent(ctx, ca.ID, "two", nil))
	require.NoError(t, r.SendEvent(ctx, cb.ID, "one", nil))

	frames := a.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].(protocol.Event).Seq)
	assert.Equal(t, uint64(2), frames[1].(protocol.Event).Seq)
	assert.Equal(t, uint64(1), b.sent()[0].(protocol.Event).Seq)
	assert.Equal(t, uint64(2), ca.Seq())
}

func TestBroadcastSkipsFailures(t *testing.T) {
	ctx := t.Context()
	r := NewRegistry(nil)
	good, bad := &recordingTransport{}, &recordingTransport{fail: true}
	r.Add(testIdentity("good"), good, Info{})
	r.Add(testIdentity("bad"), bad, Info{})

	assert.Equal(t, 2, r.Broadcast(ctx, map[string]any{"hello": "all"}))
	assert.Eventually(t, func() bool { return len(good.sent()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, r.BroadcastEvent(ctx, protocol.NewEvent("system.event", nil, r.now())))
	assert.Eventually(t, func() bool { return len(good.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bad.sent())
}

// stalledTransport blocks every write until release is closed.
type stalledTransport struct {
	release chan struct{}
}

func (t *stalledTransport) Send(ctx context.Context, v any) error {
	select {
	case <-t.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *stalledTransport) Close(code int, reason string) error { return nil }

func TestBroadcastEventDoesNotWaitOnStalledPeer(t *testing.T) {
	r := NewRegistry(nil)
	stalled := &stalledTransport{release: make(chan struct{})}
	defer close(stalled.release)
	good := &recordingTransport{}
	r.Add(testIdentity("stalled"), stalled, Info{})
	r.Add(testIdentity("good"), good, Info{})

	ctx, cancel := context.WithCancel(t.Context())
	returned := make(chan int, 1)
	go func() { returned <- r.BroadcastEvent(ctx, protocol.NewEvent("presence.connected", nil, r.now())) }()

	select {
	case n := <-returned:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled peer")
	}
	cancel()
	assert.Eventually(t, func() bool { return len(good.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPresence(t *testing.T) {
	r := NewRegistry(nil)
	c := r.Add(testIdentity("alice"), &recordingTransport{}, Info{
		Client:     protocol.ClientInfo{Name: "cli", Version: "1.0", Platform: "linux", DeviceFamily: "desktop"},
		UserAgent:  "agent-cli/1.0",
		RemoteAddr: "127.0.0.1",
	})
	r.Touch(c.ID)

	p := r.Presence()
	require.Len(t, p, 1)
	assert.Equal(t, c.ID, p[0].ConnectionID)
	assert.Equal(t, "alice", p[0].Username)
	assert.Equal(t, "cli", p[0].Client)
	assert.Equal(t, "linux", p[0].Platform)
	assert.Equal(t, "desktop", p[0].DeviceFamily)
	assert.Equal(t, "agent-cli/1.0", p[0].UserAgent)
	assert.NotNil(t, p[0].Caps)
	assert.GreaterOrEqual(t, p[0].LastInputSeconds, int64(0))
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(nil)
	tr := &recordingTransport{}
	r.Add(testIdentity("a"), tr, Info{})
	r.CloseAll(1001, "shutting down")
	assert.Equal(t, 1001, tr.closed)
}

func TestConcurrentSendEventKeepsSeqUnique(t *testing.T) {
	r := NewRegistry(nil)
	tr := &recordingTransport{}
	c := r.Add(testIdentity("a"), tr, Info{})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.SendEvent(t.Context(), c.ID, "tick", nil)
		}()
	}
	wg.Wait()

	frames := tr.sent()
	require.Len(t, frames, 50)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.(protocol.Event).Seq, "wire order matches seq")
	}
}
