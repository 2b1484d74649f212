package chat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatcore/service/storage"
	"chatcore/tools/safe"
)

// HandleWS upgrades the request and runs the connection until either side
// closes it. Rejected handshakes end with a 1008 close frame whose reason
// says why.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote an HTTP error
		s.log.Debug("upgrade websocket failed", zap.Error(err))
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	username, reason := s.authenticate(ctx, c)
	if reason != "" {
		s.reject(ws, reason)
		return
	}

	sess := newSession(username, ws, s.opts, s.log.Named("session"))
	safe.Go(s.log, "ws-writer", sess.writeLoop)

	err = s.presence.Join(ctx, sess, func() error { return s.registry.Admit(sess) })
	if err != nil {
		s.countRejection("duplicate")
		sess.Close(websocket.ClosePolicyViolation, fmt.Sprintf("'%s' is already connected", username))
		<-sess.Done()
		return
	}
	s.metrics.Sessions.Inc()
	s.log.Info("session admitted", zap.String("user", username), zap.String("session", sess.ID))

	defer func() {
		sess.Close(websocket.CloseNormalClosure, "")

		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
		defer ccancel()
		s.presence.Leave(cctx, sess, func() bool { return s.registry.Evict(username, sess) })

		<-sess.Done()
		s.metrics.Sessions.Dec()
		s.log.Info("session closed", zap.String("user", username), zap.String("session", sess.ID))
	}()

	s.readLoop(ctx, ws, sess)
}

// authenticate returns the verified username, or the close reason.
func (s *Server) authenticate(ctx context.Context, c *gin.Context) (string, string) {
	credential, err := c.Cookie(s.opts.CookieName)
	if err != nil || credential == "" {
		s.countRejection("missing_credential")
		return "", "login-token required"
	}
	username, err := s.verifier.Verify(credential)
	if err != nil {
		s.countRejection("invalid_credential")
		s.log.Debug("credential rejected", zap.Error(err))
		return "", "invalid login-token"
	}
	if _, err := s.store.UserByUsername(ctx, username); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("lookup user failed", zap.String("user", username), zap.Error(err))
		}
		s.countRejection("unknown_user")
		return "", fmt.Sprintf("no such user '%s' exists", username)
	}
	return username, ""
}

// reject closes a connection that never got a session.
func (s *Server) reject(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
	_ = ws.Close()
}

// readLoop handles frames strictly in arrival order. Only this goroutine
// reads from ws.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *Session) {
	ws.SetReadLimit(s.opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	req := &Request{Username: sess.Username, Session: sess}
	log := s.log.With(zap.String("user", sess.Username), zap.String("session", sess.ID))
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived):
				log.Debug("peer closed", zap.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				log.Info("read timeout", zap.Error(err))
			default:
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.disp.Dispatch(ctx, req, data)
	}
}

func (s *Server) countRejection(reason string) {
	s.metrics.Rejections.WithLabelValues(reason).Inc()
}
