package handlers

import (
	"context"

	"chatcore/service/chat"
)

type SelfHandler struct{ deps *Deps }

func NewSelfHandler(deps *Deps) chat.Handler { return &SelfHandler{deps: deps} }

func (h *SelfHandler) Type() string { return chat.EventSelf }

func (h *SelfHandler) Handle(ctx context.Context, req *chat.Request, _ chat.Event) error {
	u, err := h.deps.requireUser(ctx, req.Username)
	if err != nil {
		return err
	}
	return req.Reply(ctx, chat.EventSelf, profileOf(u))
}
