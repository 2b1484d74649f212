package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatcore/service/chat"
	"chatcore/service/natsx"
	"chatcore/service/storage"
	"chatcore/tools/errs"
)

const notMember = "%s not part of conversation with %d id"

type SendMessageHandler struct{ deps *Deps }

func NewSendMessageHandler(deps *Deps) chat.Handler { return &SendMessageHandler{deps: deps} }

func (h *SendMessageHandler) Type() string { return chat.EventSendMessage }

// Handle persists the message and broadcasts it to every live member, the
// sender included. Both happen under the conversation lock.
func (h *SendMessageHandler) Handle(ctx context.Context, req *chat.Request, ev chat.Event) error {
	e, ok := ev.(chat.SendMessageEvent)
	if !ok {
		return unexpected(ev)
	}
	if err := h.deps.requireMember(ctx, e.ConversationID, req.Username, notMember); err != nil {
		return err
	}

	unlock := h.deps.convLocks.Lock(lockKey(e.ConversationID))
	defer unlock()

	noReply := func() error {
		return errs.Validation("No such %d message id found in %d conversation_id", *e.ReplyID, e.ConversationID)
	}
	if e.ReplyID != nil {
		ok, err := h.deps.Store.HasMessage(ctx, e.ConversationID, *e.ReplyID)
		if err != nil {
			return err
		}
		if !ok {
			return noReply()
		}
	}

	msg, err := h.deps.Store.AddMessage(ctx, storage.Message{
		ConversationID: e.ConversationID,
		Sender:         req.Username,
		ReplyID:        e.ReplyID,
		Content:        e.Content,
		SentAt:         time.Now(),
	})
	if err != nil {
		if e.ReplyID != nil && errors.Is(err, storage.ErrNotFound) {
			return noReply()
		}
		return err
	}

	rec := recordOf(msg)
	if err := h.deps.Fanout.BroadcastToConversation(ctx, e.ConversationID, chat.EventSendMessage, rec); err != nil {
		h.deps.Log.Error("broadcast message failed", zap.Int64("message", msg.ID), zap.Error(err))
	}
	h.deps.publish(ctx, natsx.TopicMessage, chat.EventSendMessage, rec)
	return nil
}

type MessagePage struct {
	ConversationID int64           `json:"conversation_id"`
	Messages       []MessageRecord `json:"messages"`
}

type GetMessagesHandler struct{ deps *Deps }

func NewGetMessagesHandler(deps *Deps) chat.Handler { return &GetMessagesHandler{deps: deps} }

func (h *GetMessagesHandler) Type() string { return chat.EventGetMessages }

func (h *GetMessagesHandler) Handle(ctx context.Context, req *chat.Request, ev chat.Event) error {
	e, ok := ev.(chat.GetMessagesEvent)
	if !ok {
		return unexpected(ev)
	}
	if err := h.deps.requireMember(ctx, e.ConversationID, req.Username, notMember); err != nil {
		return err
	}
	msgs, err := h.deps.Store.Messages(ctx, e.ConversationID, e.Before, storage.DefaultHistoryLimit)
	if err != nil {
		return err
	}
	return req.Reply(ctx, chat.EventGetMessages, MessagePage{
		ConversationID: e.ConversationID,
		Messages:       lo.Map(msgs, func(m storage.Message, _ int) MessageRecord { return recordOf(m) }),
	})
}

func lockKey(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}
