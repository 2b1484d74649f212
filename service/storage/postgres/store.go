// Package postgres implements storage.Store with a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"chatcore/service/storage"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to url, verifies the connection and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) CreateUser(ctx context.Context, username, fullname, passwordHash string) (storage.User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, fullname, password)
		VALUES ($1, $2, $3)
		RETURNING id, username, fullname, is_online, last_online, created_at`,
		username, fullname, passwordHash)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.User{}, errors.Wrapf(storage.ErrAlreadyExists, "user %q", username)
		}
		return storage.User{}, errors.Wrap(err, "insert user")
	}
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (storage.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, fullname, is_online, last_online, created_at FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if err != nil {
		return storage.User{}, errors.Wrapf(err, "user %q", username)
	}
	return u, nil
}

func (s *Store) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT password FROM users WHERE username = $1`, username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.Wrapf(storage.ErrNotFound, "user %q", username)
	}
	return hash, errors.Wrap(err, "select password")
}

func (s *Store) UpdatePasswordHash(ctx context.Context, username, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password = $1 WHERE username = $2`, passwordHash, username)
	if err != nil {
		return errors.Wrap(err, "update password")
	}
	return requireRow(tag, username)
}

func (s *Store) SetPresence(ctx context.Context, username string, online bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_online = $2 WHERE username = $3`, online, at.Truncate(time.Second), username)
	if err != nil {
		return errors.Wrap(err, "update presence")
	}
	return requireRow(tag, username)
}

func (s *Store) IsContact(ctx context.Context, username, contact string) (bool, error) {
	return exists(ctx, s.pool, `
		SELECT EXISTS (
			SELECT 1 FROM contacts c
			JOIN users u ON u.id = c.user_id
			JOIN users o ON o.id = c.contact_id
			WHERE u.username = $1 AND o.username = $2)`, username, contact)
}

func (s *Store) AddContact(ctx context.Context, username, contact string) error {
	if username == contact {
		return errors.Wrap(storage.ErrInvalid, "self contact")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		uid, err := userID(ctx, tx, username)
		if err != nil {
			return err
		}
		cid, err := userID(ctx, tx, contact)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO contacts (user_id, contact_id) VALUES ($1, $2), ($2, $1)`, uid, cid)
		if isUniqueViolation(err) {
			return errors.Wrapf(storage.ErrAlreadyExists, "contact %q of %q", contact, username)
		}
		return errors.Wrap(err, "insert contact")
	})
}

func (s *Store) Contacts(ctx context.Context, username string) ([]storage.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.username, o.fullname, o.is_online, o.last_online, o.created_at
		FROM contacts c
		JOIN users u ON u.id = c.user_id
		JOIN users o ON o.id = c.contact_id
		WHERE u.username = $1
		ORDER BY o.username`, username)
	if err != nil {
		return nil, errors.Wrap(err, "select contacts")
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.User, error) {
		return scanUser(row)
	})
	return users, errors.Wrap(err, "collect contacts")
}

func (s *Store) ContactUsernames(ctx context.Context, username string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.username FROM contacts c
		JOIN users u ON u.id = c.user_id
		JOIN users o ON o.id = c.contact_id
		WHERE u.username = $1
		ORDER BY o.username`, username)
	if err != nil {
		return nil, errors.Wrap(err, "select contact usernames")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, errors.Wrap(err, "collect contact usernames")
}

func (s *Store) CreateConversation(ctx context.Context, name string, members []string, at time.Time) (storage.Conversation, error) {
	if strings.TrimSpace(name) == "" || len(members) == 0 {
		return storage.Conversation{}, errors.Wrap(storage.ErrInvalid, "conversation needs a name and members")
	}
	at = at.Truncate(time.Second)
	var conv storage.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO conversations (name, last_activity, created_at) VALUES ($1, $2, $2)
			RETURNING id, name, last_activity, created_at`, name, at)
		var err error
		if conv, err = scanConversation(row); err != nil {
			return errors.Wrap(err, "insert conversation")
		}
		for _, m := range members {
			uid, err := userID(ctx, tx, m)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO members (conversation_id, user_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, conv.ID, uid); err != nil {
				return errors.Wrap(err, "insert member")
			}
		}
		return nil
	})
	if err != nil {
		return storage.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) Conversations(ctx context.Context, username string) ([]storage.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.last_activity, c.created_at
		FROM conversations c
		JOIN members m ON m.conversation_id = c.id
		JOIN users u ON u.id = m.user_id
		WHERE u.username = $1
		ORDER BY c.last_activity DESC, c.id DESC`, username)
	if err != nil {
		return nil, errors.Wrap(err, "select conversations")
	}
	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Conversation, error) {
		return scanConversation(row)
	})
	return convs, errors.Wrap(err, "collect conversations")
}

func (s *Store) Conversation(ctx context.Context, id int64) (storage.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, last_activity, created_at FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return storage.Conversation{}, errors.Wrapf(err, "conversation %d", id)
	}
	return c, nil
}

func (s *Store) IsMember(ctx context.Context, conversationID int64, username string) (bool, error) {
	return exists(ctx, s.pool, `
		SELECT EXISTS (
			SELECT 1 FROM members m
			JOIN users u ON u.id = m.user_id
			WHERE m.conversation_id = $1 AND u.username = $2)`, conversationID, username)
}

func (s *Store) Members(ctx context.Context, conversationID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.username FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = $1
		ORDER BY u.username`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "select members")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, errors.Wrap(err, "collect members")
}

func (s *Store) HasMessage(ctx context.Context, conversationID, messageID int64) (bool, error) {
	return exists(ctx, s.pool,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`, messageID, conversationID)
}

func (s *Store) AddMessage(ctx context.Context, m storage.Message) (storage.Message, error) {
	if m.Content == "" {
		return storage.Message{}, errors.Wrap(storage.ErrInvalid, "empty message content")
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	m.SentAt = m.SentAt.Truncate(time.Second)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sender, err := userID(ctx, tx, m.Sender)
		if err != nil {
			return err
		}
		if m.ReplyID != nil {
			ok, err := exists(ctx, tx,
				`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`,
				*m.ReplyID, m.ConversationID)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(storage.ErrNotFound, "reply %d", *m.ReplyID)
			}
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, sender_id, reply_id, content, sent_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`, m.ConversationID, sender, m.ReplyID, m.Content, m.SentAt).Scan(&m.ID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return errors.Wrapf(storage.ErrNotFound, "conversation %d", m.ConversationID)
			}
			return errors.Wrap(err, "insert message")
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET last_activity = GREATEST(last_activity, $1) WHERE id = $2`,
			m.SentAt, m.ConversationID)
		return errors.Wrap(err, "touch conversation")
	})
	if err != nil {
		return storage.Message{}, err
	}
	return m, nil
}

func (s *Store) Messages(ctx context.Context, conversationID, before int64, limit int) ([]storage.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.conversation_id, u.username, m.reply_id, m.content, m.sent_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1 AND m.id < $2
		ORDER BY m.id DESC
		LIMIT $3`, conversationID, before, storage.HistoryLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Message, error) {
		var m storage.Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.ReplyID, &m.Content, &m.SentAt)
		return m, err
	})
	return msgs, errors.Wrap(err, "collect messages")
}

func scanUser(row pgx.Row) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Username, &u.Fullname, &u.IsOnline, &u.LastOnline, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

func scanConversation(row pgx.Row) (storage.Conversation, error) {
	var c storage.Conversation
	err := row.Scan(&c.ID, &c.Name, &c.LastActivity, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return c, err
}

func userID(ctx context.Context, q querier, username string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(storage.ErrNotFound, "user %q", username)
	}
	return id, errors.Wrap(err, "select user id")
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var ok bool
	if err := q.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return ok, nil
}

func requireRow(tag pgconn.CommandTag, username string) error {
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(storage.ErrNotFound, "user %q", username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
