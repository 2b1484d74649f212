package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/service/natsx"
	"chatcore/service/storage"
	"chatcore/tools/keylock"
	"chatcore/tools/safe"
)

const EventUserStatus = "user_status"

// PresenceMirror copies presence somewhere other processes can read it.
// Entries expire after TTL unless refreshed; a zero TTL never expires.
type PresenceMirror interface {
	Online(ctx context.Context, user, sessionID string) error
	Refresh(ctx context.Context, user, sessionID string) error
	Offline(ctx context.Context, user string) error
	TTL() time.Duration
}

// EventPublisher forwards chat events outside the process.
type EventPublisher interface {
	Publish(ctx context.Context, topic, event string, v any) error
}

type UserStatus struct {
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

// Presence is the only writer of the online flag. All transitions of one
// user run under that user's lock, so an old session's offline transition
// always completes before a new session's online transition starts.
type Presence struct {
	store  storage.Store
	fanout *Fanout
	locks  *keylock.Map
	mirror PresenceMirror
	pub    EventPublisher
	log    *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	refreshers map[string]func() // by session id
}

func NewPresence(store storage.Store, fanout *Fanout, log *zap.Logger) *Presence {
	return &Presence{
		store:  store,
		fanout: fanout,
		locks:  keylock.New(),
		log:    log,
		now:    time.Now,

		refreshers: make(map[string]func()),
	}
}

// WithMirror and WithPublisher are optional; nil disables them.
func (p *Presence) WithMirror(m PresenceMirror) *Presence { p.mirror = m; return p }

func (p *Presence) WithPublisher(pub EventPublisher) *Presence { p.pub = pub; return p }

// Join runs admit and, when it succeeds, the online transition, both under
// the user's lock. The mirror entry is then kept alive until Leave.
func (p *Presence) Join(ctx context.Context, s *Session, admit func() error) error {
	unlock := p.locks.Lock(s.Username)
	defer unlock()
	if err := admit(); err != nil {
		return err
	}
	p.transition(ctx, s.Username, s.ID, true)
	p.startRefresh(s)
	return nil
}

// Leave runs evict and, if it removed the session, the offline transition.
func (p *Presence) Leave(ctx context.Context, s *Session, evict func() bool) {
	unlock := p.locks.Lock(s.Username)
	defer unlock()
	p.stopRefresh(s.ID)
	if evict() {
		p.transition(ctx, s.Username, s.ID, false)
	}
}

// startRefresh renews the mirror entry of s three times per TTL.
func (p *Presence) startRefresh(s *Session) {
	if p.mirror == nil || p.mirror.TTL() <= 0 {
		return
	}
	every := p.mirror.TTL() / 3
	stop, done := make(chan struct{}), make(chan struct{})

	p.mu.Lock()
	p.refreshers[s.ID] = func() {
		close(stop)
		<-done
	}
	p.mu.Unlock()

	safe.Go(p.log, "presence-refresh", func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), every)
				err := p.mirror.Refresh(ctx, s.Username, s.ID)
				cancel()
				if err != nil {
					p.log.Warn("refresh presence mirror failed", zap.String("user", s.Username), zap.Error(err))
				}
			}
		}
	})
}

// stopRefresh returns once no refresh of sessionID can run anymore.
func (p *Presence) stopRefresh(sessionID string) {
	p.mu.Lock()
	stop, ok := p.refreshers[sessionID]
	delete(p.refreshers, sessionID)
	p.mu.Unlock()
	if ok {
		stop()
	}
}

// transition persists the flag and then tells the user's live contacts.
// Failures are only logged.
func (p *Presence) transition(ctx context.Context, username, sessionID string, online bool) {
	log := p.log.With(zap.String("user", username), zap.Bool("online", online))

	if err := p.store.SetPresence(ctx, username, online, p.now()); err != nil {
		log.Error("persist presence failed", zap.Error(err))
	}

	status := UserStatus{Username: username, IsOnline: online}
	if err := p.fanout.BroadcastToContacts(ctx, username, EventUserStatus, status); err != nil {
		log.Error("broadcast presence failed", zap.Error(err))
	}

	if p.mirror != nil {
		var err error
		if online {
			err = p.mirror.Online(ctx, username, sessionID)
		} else {
			err = p.mirror.Offline(ctx, username)
		}
		if err != nil {
			log.Warn("presence mirror failed", zap.Error(err))
		}
	}
	if p.pub != nil {
		if err := p.pub.Publish(ctx, natsx.TopicPresence, EventUserStatus, status); err != nil {
			log.Warn("publish presence failed", zap.Error(err))
		}
	}
}
