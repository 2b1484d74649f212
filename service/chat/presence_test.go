package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingMirror struct {
	mu     sync.Mutex
	events []string
	err    error
	ttl    time.Duration
}

func (m *recordingMirror) Refresh(_ context.Context, user, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, user+":refresh")
	return m.err
}

func (m *recordingMirror) TTL() time.Duration { return m.ttl }

func (m *recordingMirror) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *recordingMirror) Online(_ context.Context, user, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, user+":on")
	return m.err
}

func (m *recordingMirror) Offline(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, user+":off")
	return m.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic+"/"+event)
	return nil
}

func TestPresenceJoinLeave(t *testing.T) {
	ctx := context.Background()
	store := memStore(t, "alice", "bob", "carol")
	require.NoError(t, store.AddContact(ctx, "alice", "bob"))

	reg := NewRegistry()
	bobConn := &fakeConn{}
	require.NoError(t, reg.Admit(startSession(t, "bob", bobConn, testOptions())))
	carolConn := &fakeConn{}
	require.NoError(t, reg.Admit(startSession(t, "carol", carolConn, testOptions())))

	mirror := &recordingMirror{err: errors.New("redis down")}
	pub := &recordingPublisher{}
	p := NewPresence(store, NewFanout(reg, store, 2, nil, zap.NewNop()), zap.NewNop()).
		WithMirror(mirror).
		WithPublisher(pub)

	alice := idleSession("alice")
	require.NoError(t, p.Join(ctx, alice, func() error { return reg.Admit(alice) }))

	u, err := store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	p.Leave(ctx, alice, func() bool { return reg.Evict("alice", alice) })
	u, err = store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)

	assert.Eventually(t, func() bool { return len(bobConn.Frames()) == 2 }, time.Second, 5*time.Millisecond)
	var statuses []UserStatus
	for _, env := range decodeFrames(t, bobConn.Frames()) {
		assert.Equal(t, EventUserStatus, env.Type)
		var st UserStatus
		require.NoError(t, json.Unmarshal(env.Data, &st))
		statuses = append(statuses, st)
	}
	assert.Equal(t, []UserStatus{{"alice", true}, {"alice", false}}, statuses)
	assert.Empty(t, carolConn.Frames(), "carol is not a contact")

	// mirror failures are logged, never fatal
	assert.Equal(t, []string{"alice:on", "alice:off"}, mirror.events)
	assert.Equal(t, []string{"presence/user_status", "presence/user_status"}, pub.topics)
}

func TestPresenceJoinRejectedSkipsTransition(t *testing.T) {
	ctx := context.Background()
	store := memStore(t, "alice")
	reg := NewRegistry()
	mirror := &recordingMirror{}
	p := NewPresence(store, NewFanout(reg, store, 2, nil, zap.NewNop()), zap.NewNop()).WithMirror(mirror)

	first, second := idleSession("alice"), idleSession("alice")
	require.NoError(t, p.Join(ctx, first, func() error { return reg.Admit(first) }))
	err := p.Join(ctx, second, func() error { return reg.Admit(second) })
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	// the stale session leaving must not flip the live one offline
	p.Leave(ctx, second, func() bool { return reg.Evict("alice", second) })
	u, err := store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)
	assert.Equal(t, []string{"alice:on"}, mirror.events)
}

func TestPresenceRefreshesMirrorWhileConnected(t *testing.T) {
	ctx := context.Background()
	store := memStore(t, "alice")
	reg := NewRegistry()
	mirror := &recordingMirror{ttl: 30 * time.Millisecond}
	p := NewPresence(store, NewFanout(reg, store, 2, nil, zap.NewNop()), zap.NewNop()).WithMirror(mirror)

	alice := idleSession("alice")
	require.NoError(t, p.Join(ctx, alice, func() error { return reg.Admit(alice) }))

	countRefreshes := func() int {
		n := 0
		for _, ev := range mirror.Events() {
			if ev == "alice:refresh" {
				n++
			}
		}
		return n
	}
	assert.Eventually(t, func() bool { return countRefreshes() >= 3 }, time.Second, 5*time.Millisecond)

	p.Leave(ctx, alice, func() bool { return reg.Evict("alice", alice) })
	events := mirror.Events()
	assert.Equal(t, "alice:on", events[0])
	assert.Equal(t, "alice:off", events[len(events)-1])

	// no renewal after the offline transition
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, events, mirror.Events())
}
