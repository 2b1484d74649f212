package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatcore/service/storage"
	"chatcore/service/storage/sqlite"
)

func memStore(t *testing.T, users ...string) storage.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for _, u := range users {
		_, err := s.CreateUser(context.Background(), u, u, "hash")
		require.NoError(t, err)
	}
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeFrames(t *testing.T, frames []string) []envelope {
	t.Helper()
	out := make([]envelope, len(frames))
	for i, f := range frames {
		require.NoError(t, json.Unmarshal([]byte(f), &out[i]))
	}
	return out
}

func TestBroadcastToConversationReachesLiveMembersOnly(t *testing.T) {
	ctx := context.Background()
	store := memStore(t, "alice", "bob", "carol", "dave")
	conv, err := store.CreateConversation(ctx, "trip", []string{"alice", "bob", "carol"}, time.Now())
	require.NoError(t, err)

	reg := NewRegistry()
	conns := map[string]*fakeConn{}
	for _, u := range []string{"alice", "bob", "dave"} {
		conns[u] = &fakeConn{}
		require.NoError(t, reg.Admit(startSession(t, u, conns[u], testOptions())))
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	f := NewFanout(reg, store, 4, metrics, zap.NewNop())
	require.NoError(t, f.BroadcastToConversation(ctx, conv.ID, "send_message", map[string]int64{"id": 1}))

	for _, u := range []string{"alice", "bob"} {
		assert.Eventually(t, func() bool { return len(conns[u].Frames()) == 1 }, time.Second, 5*time.Millisecond, u)
		env := decodeFrames(t, conns[u].Frames())[0]
		assert.True(t, env.Success)
		assert.Equal(t, "send_message", env.Type)
		assert.JSONEq(t, `{"id":1}`, string(env.Data))
	}
	assert.Empty(t, conns["dave"].Frames())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Deliveries.WithLabelValues("ok")))
}

func TestSlowRecipientDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := memStore(t, "alice", "bob", "carol")
	conv, err := store.CreateConversation(ctx, "c", []string{"alice", "bob", "carol"}, time.Now())
	require.NoError(t, err)

	reg := NewRegistry()
	stuck := &fakeConn{gate: make(chan struct{})}
	slow := startSession(t, "bob", stuck, testOptions())
	require.NoError(t, reg.Admit(slow))
	fast := &fakeConn{}
	require.NoError(t, reg.Admit(startSession(t, "alice", fast, testOptions())))

	f := NewFanout(reg, store, 4, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		require.NoError(t, f.BroadcastToConversation(ctx, conv.ID, "send_message", i))
	}

	select {
	case <-slow.closing:
	case <-time.After(time.Second):
		t.Fatal("slow consumer not closed")
	}
	assert.Eventually(t, func() bool { return len(fast.Frames()) == 5 }, time.Second, 5*time.Millisecond)
}

func TestFanoutKeepsOrderPerRecipient(t *testing.T) {
	ctx := context.Background()
	store := memStore(t, "alice")
	reg := NewRegistry()
	conn := &fakeConn{}
	opts := testOptions()
	opts.SendQueueSize = 256
	require.NoError(t, reg.Admit(startSession(t, "alice", conn, opts)))

	f := NewFanout(reg, store, 8, nil, zap.NewNop())
	var mu sync.Mutex
	var wg sync.WaitGroup
	next := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			assert.NoError(t, f.SendTo(ctx, "alice", "n", next))
			next++
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(conn.Frames()) == 20 }, time.Second, 5*time.Millisecond)
	for i, env := range decodeFrames(t, conn.Frames()) {
		var n int
		require.NoError(t, json.Unmarshal(env.Data, &n))
		assert.Equal(t, i, n)
	}
}
