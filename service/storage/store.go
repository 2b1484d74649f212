// Package storage defines the durable side of the chat core: users, contact
// edges, conversations with their membership and messages. Implementations
// live in the postgres and sqlite sub-packages.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalid       = errors.New("invalid record")
)

// MaxMessageID is the default upper bound for message history queries.
const MaxMessageID int64 = 1 << 55

// DefaultHistoryLimit caps one history page.
const DefaultHistoryLimit = 100

type User struct {
	ID         int64
	Username   string
	Fullname   string
	IsOnline   bool
	LastOnline time.Time
	CreatedAt  time.Time
}

type Conversation struct {
	ID           int64
	Name         string
	LastActivity time.Time
	CreatedAt    time.Time
}

type Message struct {
	ID             int64
	ConversationID int64
	Sender         string
	ReplyID        *int64
	Content        string
	SentAt         time.Time
}

// Store is the storage gateway consumed by the chat core. Every multi-row
// write commits atomically or not at all.
type Store interface {
	// CreateUser inserts a user with an already hashed password.
	CreateUser(ctx context.Context, username, fullname, passwordHash string) (User, error)
	// UserByUsername returns ErrNotFound for unknown usernames.
	UserByUsername(ctx context.Context, username string) (User, error)
	PasswordHash(ctx context.Context, username string) (string, error)
	UpdatePasswordHash(ctx context.Context, username, passwordHash string) error

	// SetPresence persists the online flag and last-online timestamp.
	SetPresence(ctx context.Context, username string, online bool, at time.Time) error

	IsContact(ctx context.Context, username, contact string) (bool, error)
	// AddContact creates both directions of the edge in one transaction.
	AddContact(ctx context.Context, username, contact string) error
	Contacts(ctx context.Context, username string) ([]User, error)
	ContactUsernames(ctx context.Context, username string) ([]string, error)

	// CreateConversation creates the conversation and its membership rows
	// in one transaction.
	CreateConversation(ctx context.Context, name string, members []string, at time.Time) (Conversation, error)
	Conversations(ctx context.Context, username string) ([]Conversation, error)
	Conversation(ctx context.Context, id int64) (Conversation, error)
	IsMember(ctx context.Context, conversationID int64, username string) (bool, error)
	Members(ctx context.Context, conversationID int64) ([]string, error)

	HasMessage(ctx context.Context, conversationID, messageID int64) (bool, error)
	// AddMessage persists m, bumps the conversation recency marker and
	// returns m with its assigned ID.
	AddMessage(ctx context.Context, m Message) (Message, error)
	// Messages returns up to limit messages with ID < before, newest first.
	Messages(ctx context.Context, conversationID, before int64, limit int) ([]Message, error)

	Close() error
}

// HistoryLimit clamps a requested page size to (0, DefaultHistoryLimit].
func HistoryLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}
