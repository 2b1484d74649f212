package chat

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore/service/storage"
)

// Verifier maps a presented credential to a username.
type Verifier interface {
	Verify(credential string) (string, error)
}

type Config struct {
	Options   Options
	Store     storage.Store
	Verifier  Verifier
	Mirror    PresenceMirror // optional
	Publisher EventPublisher // optional
	Metrics   *Metrics       // optional
	Log       *zap.Logger
}

// Server owns the registry and every component that touches it.
type Server struct {
	opts     Options
	store    storage.Store
	verifier Verifier
	registry *Registry
	disp     *Dispatcher
	fanout   *Fanout
	presence *Presence
	metrics  *Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	// conns counts upgraded connections whose handler has not returned.
	conns sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg.Options.norm()
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	registry := NewRegistry()
	fanout := NewFanout(registry, cfg.Store, cfg.Options.FanoutConcurrency, metrics, log.Named("fanout"))
	presence := NewPresence(cfg.Store, fanout, log.Named("presence"))
	if cfg.Mirror != nil {
		presence.WithMirror(cfg.Mirror)
	}
	if cfg.Publisher != nil {
		presence.WithPublisher(cfg.Publisher)
	}

	return &Server{
		opts:     cfg.Options,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		registry: registry,
		disp:     NewDispatcher(metrics, log.Named("dispatch")),
		fanout:   fanout,
		presence: presence,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Disp() *Dispatcher { return s.disp }
func (s *Server) Fanout() *Fanout    { return s.fanout }

// Shutdown closes every session and waits until each connection handler has
// finished its cleanup, or ctx expires. Stop accepting connections first.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.log.Info("closing sessions", zap.Int("count", n))

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
