package chat

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func idleSession(username string) *Session {
	return newSession(username, &fakeConn{}, testOptions(), zap.NewNop())
}

func TestRegistrySingleSessionPerUser(t *testing.T) {
	r := NewRegistry()
	first, second := idleSession("alice"), idleSession("alice")

	require.NoError(t, r.Admit(first))
	assert.ErrorIs(t, r.Admit(second), ErrAlreadyConnected)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, got)

	// a stale eviction must not drop the live session
	assert.False(t, r.Evict("alice", second))
	assert.Len(t, r.sessions, 1)

	assert.True(t, r.Evict("alice", first))
	assert.False(t, r.Evict("alice", first))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)

	require.NoError(t, r.Admit(second))
}

func TestRegistryConcurrentAdmit(t *testing.T) {
	r := NewRegistry()
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Admit(idleSession("alice")) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
	assert.Len(t, r.sessions, 1)
}

func TestRegistryLookupAllSkipsOffline(t *testing.T) {
	r := NewRegistry()
	a, b := idleSession("alice"), idleSession("bob")
	require.NoError(t, r.Admit(a))
	require.NoError(t, r.Admit(b))

	got := r.LookupAll([]string{"alice", "carol", "bob"})
	assert.Equal(t, []*Session{a, b}, got)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := idleSession("alice"), idleSession("bob")
	require.NoError(t, r.Admit(a))
	require.NoError(t, r.Admit(b))

	assert.Equal(t, 2, r.CloseAll(websocket.CloseGoingAway, "bye"))
	for _, s := range []*Session{a, b} {
		select {
		case <-s.closing:
		default:
			t.Fatalf("%s not closed", s.Username)
		}
	}
}
