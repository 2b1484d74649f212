package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn records frames; a non-nil gate blocks every data write until it
// is closed.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closes []int
	closed bool
	gate   chan struct{}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closes = append(c.closes, int(data[0])<<8|int(data[1]))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

func testOptions() Options {
	o := Options{SendQueueSize: 2, SendTimeout: 50 * time.Millisecond}
	o.norm()
	return o
}

func startSession(t *testing.T, username string, conn *fakeConn, opts Options) *Session {
	t.Helper()
	s := newSession(username, conn, opts, zap.NewNop())
	go s.writeLoop()
	t.Cleanup(func() {
		s.Close(websocket.CloseNormalClosure, "")
		if conn.gate != nil {
			select {
			case <-conn.gate:
			default:
				close(conn.gate)
			}
		}
		<-s.Done()
	})
	return s
}

func TestSessionWritesInOrder(t *testing.T) {
	conn := &fakeConn{}
	s := startSession(t, "alice", conn, testOptions())

	for _, f := range []string{"1", "2", "3"} {
		require.NoError(t, s.Enqueue(context.Background(), []byte(f)))
	}
	assert.Eventually(t, func() bool { return len(conn.Frames()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, conn.Frames())
}

func TestSessionSlowConsumer(t *testing.T) {
	conn := &fakeConn{gate: make(chan struct{})}
	s := startSession(t, "alice", conn, testOptions())

	// one frame is held by the blocked writer, two fill the queue
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = s.Enqueue(context.Background(), []byte("x"))
	}
	assert.ErrorIs(t, err, ErrSlowConsumer)
}

func TestSessionCloseSendsReason(t *testing.T) {
	conn := &fakeConn{}
	s := newSession("alice", conn, testOptions(), zap.NewNop())
	go s.writeLoop()

	s.Close(websocket.ClosePolicyViolation, "'alice' is already connected")
	s.Close(websocket.CloseNormalClosure, "")
	<-s.Done()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
	assert.Equal(t, []int{websocket.ClosePolicyViolation}, conn.closes)
	assert.ErrorIs(t, s.Enqueue(context.Background(), []byte("late")), ErrSessionClosed)
}
