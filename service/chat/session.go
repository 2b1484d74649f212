package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("slow consumer")
)

// transport is the subset of *websocket.Conn the writer needs.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one admitted connection. Every write to the peer goes through
// its bounded queue and a single writer goroutine.
type Session struct {
	ID       string
	Username string

	conn transport
	opts Options
	log  *zap.Logger

	send    chan []byte
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newSession(username string, conn transport, opts Options, log *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		Username: username,
		conn:     conn,
		opts:     opts,
		log:      log.With(zap.String("user", username), zap.String("session", id)),
		send:     make(chan []byte, opts.SendQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue queues one encoded frame. It gives up after SendTimeout with
// ErrSlowConsumer, or immediately once the session is closing.
func (s *Session) Enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(s.opts.SendTimeout)
	defer timer.Stop()
	select {
	case s.send <- frame:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSlowConsumer
	}
}

// Close asks the writer to send a close frame and drop the connection.
// Only the first call wins.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode, s.closeReason = code, reason
		close(s.closing)
	})
}

// Done is closed once the writer has released the connection.
func (s *Session) Done() <-chan struct{} { return s.done }


// writeLoop owns every write on the connection.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug("write frame failed", zap.Error(err))
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-s.closing:
			if s.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
			}
			return
		}
	}
}
