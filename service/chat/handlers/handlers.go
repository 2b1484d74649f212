// Package handlers implements one chat.Handler per event type.
package handlers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatcore/service/chat"
	"chatcore/service/storage"
	"chatcore/tools/errs"
	"chatcore/tools/keylock"
)

// Deps are shared by every handler.
type Deps struct {
	Store     storage.Store
	Fanout    *chat.Fanout
	Publisher chat.EventPublisher // optional
	Log       *zap.Logger

	// convLocks serializes persist + broadcast per conversation so each
	// recipient sees message ids of one conversation in increasing order.
	convLocks *keylock.Map
}

// Register installs every event handler on d.
func Register(d *chat.Dispatcher, deps Deps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	deps.convLocks = keylock.New()
	p := &deps

	d.Register(NewPingHandler())
	d.Register(NewSelfHandler(p))
	d.Register(NewAddContactHandler(p))
	d.Register(NewGetContactsHandler(p))
	d.Register(NewCreateConversationHandler(p))
	d.Register(NewGetConversationsHandler(p))
	d.Register(NewGetConversationInfoHandler(p))
	d.Register(NewSendMessageHandler(p))
	d.Register(NewGetMessagesHandler(p))
}

// publish forwards an event outside the process; failures only get logged.
func (d *Deps) publish(ctx context.Context, topic, event string, v any) {
	if d.Publisher == nil {
		return
	}
	if err := d.Publisher.Publish(ctx, topic, event, v); err != nil {
		d.Log.Warn("publish event failed", zap.String("event", event), zap.Error(err))
	}
}

// requireUser loads username, turning a missing row into the user-facing
// error.
func (d *Deps) requireUser(ctx context.Context, username string) (storage.User, error) {
	u, err := d.Store.UserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, errs.Validation("no such user '%s' exists", username)
	}
	return u, err
}

// requireMember is the membership gate shared by the conversation events.
func (d *Deps) requireMember(ctx context.Context, conversationID int64, username, format string) error {
	ok, err := d.Store.IsMember(ctx, conversationID, username)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Authorization(format, username, conversationID)
	}
	return nil
}

// unexpected reports a variant the handler was not registered for.
func unexpected(ev chat.Event) error {
	return errors.Errorf("unexpected event %T", ev)
}
