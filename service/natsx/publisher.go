package natsx

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	HeaderEvent = "Chat-Event"
	HeaderMsgID = nats.MsgIdHdr
)

// Topics published by the chat core.
const (
	TopicPresence     = "presence"
	TopicMessage      = "message"
	TopicConversation = "conversation"
	TopicContact      = "contact"
)

type Publisher struct{ c *Client }

func NewPublisher(c *Client) *Publisher { return &Publisher{c: c} }

// Publish sends v as JSON on the topic subject, with the event type in the
// Chat-Event header.
func (p *Publisher) Publish(ctx context.Context, topic, event string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	msg := nats.NewMsg(p.c.Subject(topic))
	msg.Data = data
	msg.Header.Set(HeaderEvent, event)
	msg.Header.Set(HeaderMsgID, uuid.NewString())
	return errors.Wrapf(p.c.nc.PublishMsg(msg), "publish %s", msg.Subject)
}
