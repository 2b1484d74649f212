package chat

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcore/service/storage"
)

// Fanout delivers one encoded frame to many live sessions. A recipient that
// is offline is skipped and one that cannot keep up is disconnected; neither
// affects the others or the caller.
type Fanout struct {
	registry    *Registry
	store       storage.Store
	concurrency int
	metrics     *Metrics
	log         *zap.Logger
}

func NewFanout(registry *Registry, store storage.Store, concurrency int, metrics *Metrics, log *zap.Logger) *Fanout {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fanout{registry: registry, store: store, concurrency: concurrency, metrics: metrics, log: log}
}

// BroadcastToConversation sends to every live member, the sender included.
// The error covers membership lookup and encoding only.
func (f *Fanout) BroadcastToConversation(ctx context.Context, conversationID int64, typ string, data any) error {
	members, err := f.store.Members(ctx, conversationID)
	if err != nil {
		return errors.Wrapf(err, "members of conversation %d", conversationID)
	}
	return f.BroadcastToUsers(ctx, members, typ, data)
}

// BroadcastToContacts sends to every live contact of username.
func (f *Fanout) BroadcastToContacts(ctx context.Context, username, typ string, data any) error {
	contacts, err := f.store.ContactUsernames(ctx, username)
	if err != nil {
		return errors.Wrapf(err, "contacts of %s", username)
	}
	return f.BroadcastToUsers(ctx, contacts, typ, data)
}

// SendTo delivers to a single user if they are online.
func (f *Fanout) SendTo(ctx context.Context, username, typ string, data any) error {
	return f.BroadcastToUsers(ctx, []string{username}, typ, data)
}

func (f *Fanout) BroadcastToUsers(ctx context.Context, usernames []string, typ string, data any) error {
	frame, err := EncodeData(typ, data)
	if err != nil {
		return err
	}
	f.deliver(ctx, f.registry.LookupAll(usernames), frame)
	return nil
}

// deliver returns once every recipient accepted the frame or was dropped,
// so callers holding an ordering lock keep per-recipient order.
func (f *Fanout) deliver(ctx context.Context, sessions []*Session, frame []byte) {
	if len(sessions) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, s := range sessions {
		g.Go(func() error {
			f.deliverOne(ctx, s, frame)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Fanout) deliverOne(ctx context.Context, s *Session, frame []byte) {
	err := s.Enqueue(ctx, frame)
	switch {
	case err == nil:
		f.count("ok")
	case errors.Is(err, ErrSlowConsumer):
		f.count("slow")
		f.log.Warn("closing slow consumer", zap.String("user", s.Username), zap.String("session", s.ID))
		s.Close(websocket.ClosePolicyViolation, "slow consumer")
	case errors.Is(err, ErrSessionClosed):
		f.count("closed")
	default:
		f.count("error")
		f.log.Debug("delivery aborted", zap.String("user", s.Username), zap.Error(err))
	}
}

func (f *Fanout) count(result string) {
	if f.metrics != nil {
		f.metrics.Deliveries.WithLabelValues(result).Inc()
	}
}
