package handlers

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"chatcore/service/chat"
	"chatcore/service/natsx"
	"chatcore/service/storage"
	"chatcore/tools/errs"
)

type ContactAdded struct {
	Message string  `json:"message"`
	Contact Profile `json:"contact"`
}

type ContactList struct {
	Message  string    `json:"message"`
	Contacts []Profile `json:"contacts"`
}

type AddContactHandler struct{ deps *Deps }

func NewAddContactHandler(deps *Deps) chat.Handler { return &AddContactHandler{deps: deps} }

func (h *AddContactHandler) Type() string { return chat.EventAddContact }

// Handle creates the symmetric edge, answers the caller and tells the new
// contact if they are online.
func (h *AddContactHandler) Handle(ctx context.Context, req *chat.Request, ev chat.Event) error {
	e, ok := ev.(chat.AddContactEvent)
	if !ok {
		return unexpected(ev)
	}
	self, err := h.deps.requireUser(ctx, req.Username)
	if err != nil {
		return err
	}
	if e.ContactUsername == req.Username {
		return errs.Validation("cannot add itself as a contact")
	}
	contact, err := h.deps.requireUser(ctx, e.ContactUsername)
	if err != nil {
		return err
	}
	already, err := h.deps.Store.IsContact(ctx, req.Username, e.ContactUsername)
	if err != nil {
		return err
	}
	if already {
		return errs.Validation("'%s' is already a contact", e.ContactUsername)
	}
	if err := h.deps.Store.AddContact(ctx, req.Username, e.ContactUsername); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.Validation("'%s' is already a contact", e.ContactUsername)
		}
		return err
	}

	if err := req.Reply(ctx, chat.EventAddContact, ContactAdded{
		Message: fmt.Sprintf("'%s' successfully added", e.ContactUsername),
		Contact: profileOf(contact),
	}); err != nil {
		return err
	}

	notice := ContactAdded{
		Message: fmt.Sprintf("'%s' successfully added", req.Username),
		Contact: profileOf(self),
	}
	if err := h.deps.Fanout.SendTo(ctx, e.ContactUsername, chat.EventAddContact, notice); err != nil {
		h.deps.Log.Warn("notify contact failed", zap.String("contact", e.ContactUsername), zap.Error(err))
	}
	h.deps.publish(ctx, natsx.TopicContact, chat.EventAddContact, map[string]string{
		"username": req.Username,
		"contact":  e.ContactUsername,
	})
	return nil
}

type GetContactsHandler struct{ deps *Deps }

func NewGetContactsHandler(deps *Deps) chat.Handler { return &GetContactsHandler{deps: deps} }

func (h *GetContactsHandler) Type() string { return chat.EventGetContacts }

func (h *GetContactsHandler) Handle(ctx context.Context, req *chat.Request, _ chat.Event) error {
	if _, err := h.deps.requireUser(ctx, req.Username); err != nil {
		return err
	}
	users, err := h.deps.Store.Contacts(ctx, req.Username)
	if err != nil {
		return err
	}
	contacts := lo.Map(users, func(u storage.User, _ int) Profile { return profileOf(u) })
	return req.Reply(ctx, chat.EventGetContacts, ContactList{Message: "got all the contacts", Contacts: contacts})
}
