package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatcore/service/chat"
	"chatcore/service/natsx"
	"chatcore/service/storage"
	"chatcore/tools/errs"
)

type CreateConversationHandler struct{ deps *Deps }

func NewCreateConversationHandler(deps *Deps) chat.Handler {
	return &CreateConversationHandler{deps: deps}
}

func (h *CreateConversationHandler) Type() string { return chat.EventCreateConversation }

// Handle creates the conversation with the caller as a member and announces
// it to every live member.
func (h *CreateConversationHandler) Handle(ctx context.Context, req *chat.Request, ev chat.Event) error {
	e, ok := ev.(chat.CreateConversationEvent)
	if !ok {
		return unexpected(ev)
	}
	members := lo.Uniq(append([]string{req.Username}, e.Members...))
	sort.Strings(members)

	for _, m := range members {
		if _, err := h.deps.Store.UserByUsername(ctx, m); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errs.Validation("'%s' is not a valid username", m)
			}
			return err
		}
	}

	conv, err := h.deps.Store.CreateConversation(ctx, e.Name, members, time.Now())
	if err != nil {
		return err
	}

	info := ConversationInfo{ID: conv.ID, Name: conv.Name, Members: members}
	if err := h.deps.Fanout.BroadcastToUsers(ctx, members, chat.EventCreateConversation, info); err != nil {
		h.deps.Log.Warn("announce conversation failed", zap.Int64("conversation", conv.ID), zap.Error(err))
	}
	h.deps.publish(ctx, natsx.TopicConversation, chat.EventCreateConversation, info)
	return nil
}

type GetConversationsHandler struct{ deps *Deps }

func NewGetConversationsHandler(deps *Deps) chat.Handler {
	return &GetConversationsHandler{deps: deps}
}

func (h *GetConversationsHandler) Type() string { return chat.EventGetConversations }

func (h *GetConversationsHandler) Handle(ctx context.Context, req *chat.Request, _ chat.Event) error {
	convs, err := h.deps.Store.Conversations(ctx, req.Username)
	if err != nil {
		return err
	}
	out := lo.Map(convs, func(c storage.Conversation, _ int) ConversationSummary {
		return ConversationSummary{ID: c.ID, Name: c.Name}
	})
	return req.Reply(ctx, chat.EventGetConversations, out)
}

type GetConversationInfoHandler struct{ deps *Deps }

func NewGetConversationInfoHandler(deps *Deps) chat.Handler {
	return &GetConversationInfoHandler{deps: deps}
}

func (h *GetConversationInfoHandler) Type() string { return chat.EventGetConversationInfo }

func (h *GetConversationInfoHandler) Handle(ctx context.Context, req *chat.Request, ev chat.Event) error {
	e, ok := ev.(chat.GetConversationInfoEvent)
	if !ok {
		return unexpected(ev)
	}
	if err := h.deps.requireMember(ctx, e.ID, req.Username, "%s is not part of any conversation with %d id"); err != nil {
		return err
	}
	conv, err := h.deps.Store.Conversation(ctx, e.ID)
	if err != nil {
		return err
	}
	members, err := h.deps.Store.Members(ctx, e.ID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, chat.EventGetConversationInfo, ConversationInfo{ID: conv.ID, Name: conv.Name, Members: members})
}
