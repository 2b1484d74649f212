package handlers

import (
	"context"

	"chatcore/service/chat"
)

type PingHandler struct{}

func NewPingHandler() chat.Handler { return &PingHandler{} }

func (h *PingHandler) Type() string { return chat.EventPing }

func (h *PingHandler) Handle(ctx context.Context, req *chat.Request, _ chat.Event) error {
	return req.Reply(ctx, chat.EventPing, "pong")
}
