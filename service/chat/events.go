package chat

import (
	"bytes"
	"encoding/json"
	"strconv"

	"chatcore/service/storage"
	"chatcore/tools/errs"
)

const (
	EventPing                = "ping"
	EventSelf                = "self"
	EventAddContact          = "add_contact"
	EventGetContacts         = "get_contacts"
	EventCreateConversation  = "create_conversation"
	EventGetConversations    = "get_conversations"
	EventGetConversationInfo = "get_conversation_info"
	EventSendMessage         = "send_message"
	EventGetMessages         = "get_messages"
)

// Event is one decoded inbound frame.
type Event interface {
	Type() string
}

type PingEvent struct{}

type SelfEvent struct{}

type AddContactEvent struct {
	ContactUsername string
}

type GetContactsEvent struct{}

type CreateConversationEvent struct {
	Name    string
	Members []string
}

type GetConversationsEvent struct{}

type GetConversationInfoEvent struct {
	ID int64
}

type SendMessageEvent struct {
	ConversationID int64
	Content        string
	ReplyID        *int64
}

type GetMessagesEvent struct {
	ConversationID int64
	Before         int64
}

func (PingEvent) Type() string                { return EventPing }
func (SelfEvent) Type() string                { return EventSelf }
func (AddContactEvent) Type() string          { return EventAddContact }
func (GetContactsEvent) Type() string         { return EventGetContacts }
func (CreateConversationEvent) Type() string  { return EventCreateConversation }
func (GetConversationsEvent) Type() string    { return EventGetConversations }
func (GetConversationInfoEvent) Type() string { return EventGetConversationInfo }
func (SendMessageEvent) Type() string         { return EventSendMessage }
func (GetMessagesEvent) Type() string         { return EventGetMessages }

type fields map[string]json.RawMessage

type parser func(f fields) (Event, error)

var parsers = map[string]parser{
	EventPing:                func(fields) (Event, error) { return PingEvent{}, nil },
	EventSelf:                func(fields) (Event, error) { return SelfEvent{}, nil },
	EventGetContacts:         func(fields) (Event, error) { return GetContactsEvent{}, nil },
	EventGetConversations:    func(fields) (Event, error) { return GetConversationsEvent{}, nil },
	EventAddContact:          parseAddContact,
	EventCreateConversation:  parseCreateConversation,
	EventGetConversationInfo: parseGetConversationInfo,
	EventSendMessage:         parseSendMessage,
	EventGetMessages:         parseGetMessages,
}

// ParseEvent decodes a frame into its typed variant. typ is empty when the
// frame is not an object with a string type. Malformed frames and unknown
// types are protocol errors; bad fields are validation errors.
func ParseEvent(data []byte) (typ string, ev Event, err error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil || f == nil {
		return "", nil, errs.Protocol("invalid json event")
	}
	typ, ok := f.str("type")
	if !ok {
		return "", nil, errs.Protocol("no type field found in the event")
	}
	parse, ok := parsers[typ]
	if !ok {
		return typ, nil, errs.Protocol("no such event type '%s'", typ)
	}
	ev, err = parse(f)
	return typ, ev, err
}

func parseAddContact(f fields) (Event, error) {
	contact, ok := f.str("contact_username")
	if !ok {
		return nil, errs.Validation("invalid contact_username, expected a string")
	}
	return AddContactEvent{ContactUsername: contact}, nil
}

func parseCreateConversation(f fields) (Event, error) {
	name, ok := f.str("name")
	if !ok || name == "" {
		return nil, errs.Validation("name value expected as a non zero string")
	}
	raw, ok := f.present("members")
	var items []json.RawMessage
	if !ok || json.Unmarshal(raw, &items) != nil {
		return nil, errs.Validation("members value expected a list")
	}
	members := make([]string, 0, len(items))
	for _, item := range items {
		var m string
		if !isString(item) || json.Unmarshal(item, &m) != nil {
			return nil, errs.Validation("members should be a list of string")
		}
		members = append(members, m)
	}
	return CreateConversationEvent{Name: name, Members: members}, nil
}

func parseGetConversationInfo(f fields) (Event, error) {
	id, ok := f.integer("id")
	if !ok {
		return nil, errs.Validation("id is required as int")
	}
	return GetConversationInfoEvent{ID: id}, nil
}

func parseSendMessage(f fields) (Event, error) {
	convID, ok := f.integer("conversation_id")
	if !ok {
		return nil, errs.Validation("expected conversation_id as integer")
	}
	content, ok := f.str("content")
	if !ok {
		return nil, errs.Validation("expected content as string")
	}
	if content == "" {
		return nil, errs.Validation("message content should be non empty string")
	}
	ev := SendMessageEvent{ConversationID: convID, Content: content}
	if _, present := f.present("reply_id"); present {
		reply, ok := f.integer("reply_id")
		if !ok {
			return nil, errs.Validation("if reply_id is provided then expected integer")
		}
		ev.ReplyID = &reply
	}
	return ev, nil
}

func parseGetMessages(f fields) (Event, error) {
	convID, ok := f.integer("conversation_id")
	if !ok {
		return nil, errs.Validation("expected conversation_id as integer")
	}
	ev := GetMessagesEvent{ConversationID: convID, Before: storage.MaxMessageID}
	if _, present := f.present("before"); present {
		before, ok := f.integer("before")
		if !ok {
			return nil, errs.Validation("expected before as integer")
		}
		ev.Before = before
	}
	return ev, nil
}

// present treats an explicit null like a missing key.
func (f fields) present(key string) (json.RawMessage, bool) {
	raw, ok := f[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func (f fields) str(key string) (string, bool) {
	raw, ok := f.present(key)
	if !ok || !isString(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// integer accepts only JSON integer literals: no fraction, no exponent, no
// booleans or quoted numbers.
func (f fields) integer(key string) (int64, bool) {
	raw, ok := f.present(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}
