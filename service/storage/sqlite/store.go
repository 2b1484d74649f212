// Package sqlite implements storage.Store on top of modernc.org/sqlite. It is
// the default backend for development and the hermetic backend for tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"time"

	"github.com/pkg/errors"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"chatcore/service/storage"
)

//go:embed schema.sql
var schema string

const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// Store persists chat state in a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path + "?" + pragmas
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer; an in-memory database also lives and dies with its connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) CreateUser(ctx context.Context, username, fullname, passwordHash string) (storage.User, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, fullname, password, is_online, last_online, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		username, fullname, passwordHash, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.User{}, errors.Wrapf(storage.ErrAlreadyExists, "user %q", username)
		}
		return storage.User{}, errors.Wrap(err, "insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.User{}, errors.Wrap(err, "user id")
	}
	return storage.User{
		ID:         id,
		Username:   username,
		Fullname:   fullname,
		LastOnline: time.Unix(now, 0),
		CreatedAt:  time.Unix(now, 0),
	}, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, fullname, is_online, last_online, created_at FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err != nil {
		return storage.User{}, errors.Wrapf(err, "user %q", username)
	}
	return u, nil
}

func (s *Store) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(storage.ErrNotFound, "user %q", username)
	}
	if err != nil {
		return "", errors.Wrap(err, "select password")
	}
	return hash, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE username = ?`, passwordHash, username)
	if err != nil {
		return errors.Wrap(err, "update password")
	}
	return requireRow(res, username)
}

func (s *Store) SetPresence(ctx context.Context, username string, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_online = ? WHERE username = ?`, online, at.Unix(), username)
	if err != nil {
		return errors.Wrap(err, "update presence")
	}
	return requireRow(res, username)
}

func (s *Store) IsContact(ctx context.Context, username, contact string) (bool, error) {
	return exists(ctx, s.db, `
		SELECT 1 FROM contacts c
		JOIN users u ON u.id = c.user_id
		JOIN users o ON o.id = c.contact_id
		WHERE u.username = ? AND o.username = ?`, username, contact)
}

func (s *Store) AddContact(ctx context.Context, username, contact string) error {
	if username == contact {
		return errors.Wrap(storage.ErrInvalid, "self contact")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	uid, err := userID(ctx, tx, username)
	if err != nil {
		return err
	}
	cid, err := userID(ctx, tx, contact)
	if err != nil {
		return err
	}
	for _, pair := range [][2]int64{{uid, cid}, {cid, uid}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (user_id, contact_id) VALUES (?, ?)`, pair[0], pair[1]); err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(storage.ErrAlreadyExists, "contact %q of %q", contact, username)
			}
			return errors.Wrap(err, "insert contact")
		}
	}
	return errors.Wrap(tx.Commit(), "commit contact")
}

func (s *Store) Contacts(ctx context.Context, username string) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.username, o.fullname, o.is_online, o.last_online, o.created_at
		FROM contacts c
		JOIN users u ON u.id = c.user_id
		JOIN users o ON o.id = c.contact_id
		WHERE u.username = ?
		ORDER BY o.username`, username)
	if err != nil {
		return nil, errors.Wrap(err, "select contacts")
	}
	defer rows.Close()

	var out []storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "iterate contacts")
}

func (s *Store) ContactUsernames(ctx context.Context, username string) ([]string, error) {
	return selectStrings(ctx, s.db, `
		SELECT o.username FROM contacts c
		JOIN users u ON u.id = c.user_id
		JOIN users o ON o.id = c.contact_id
		WHERE u.username = ?
		ORDER BY o.username`, username)
}

func (s *Store) CreateConversation(ctx context.Context, name string, members []string, at time.Time) (storage.Conversation, error) {
	if strings.TrimSpace(name) == "" || len(members) == 0 {
		return storage.Conversation{}, errors.Wrap(storage.ErrInvalid, "conversation needs a name and members")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Conversation{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (name, last_activity, created_at) VALUES (?, ?, ?)`, name, at.Unix(), at.Unix())
	if err != nil {
		return storage.Conversation{}, errors.Wrap(err, "insert conversation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Conversation{}, errors.Wrap(err, "conversation id")
	}
	for _, m := range members {
		uid, err := userID(ctx, tx, m)
		if err != nil {
			return storage.Conversation{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO members (conversation_id, user_id) VALUES (?, ?)`, id, uid); err != nil {
			return storage.Conversation{}, errors.Wrap(err, "insert member")
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.Conversation{}, errors.Wrap(err, "commit conversation")
	}
	return storage.Conversation{
		ID:           id,
		Name:         name,
		LastActivity: time.Unix(at.Unix(), 0),
		CreatedAt:    time.Unix(at.Unix(), 0),
	}, nil
}

func (s *Store) Conversations(ctx context.Context, username string) ([]storage.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.last_activity, c.created_at
		FROM conversations c
		JOIN members m ON m.conversation_id = c.id
		JOIN users u ON u.id = m.user_id
		WHERE u.username = ?
		ORDER BY c.last_activity DESC, c.id DESC`, username)
	if err != nil {
		return nil, errors.Wrap(err, "select conversations")
	}
	defer rows.Close()

	var out []storage.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

func (s *Store) Conversation(ctx context.Context, id int64) (storage.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, last_activity, created_at FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return storage.Conversation{}, errors.Wrapf(err, "conversation %d", id)
	}
	return c, nil
}

func (s *Store) IsMember(ctx context.Context, conversationID int64, username string) (bool, error) {
	return exists(ctx, s.db, `
		SELECT 1 FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = ? AND u.username = ?`, conversationID, username)
}

func (s *Store) Members(ctx context.Context, conversationID int64) ([]string, error) {
	return selectStrings(ctx, s.db, `
		SELECT u.username FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = ?
		ORDER BY u.username`, conversationID)
}

func (s *Store) HasMessage(ctx context.Context, conversationID, messageID int64) (bool, error) {
	return exists(ctx, s.db,
		`SELECT 1 FROM messages WHERE id = ? AND conversation_id = ?`, messageID, conversationID)
}

func (s *Store) AddMessage(ctx context.Context, m storage.Message) (storage.Message, error) {
	if m.Content == "" {
		return storage.Message{}, errors.Wrap(storage.ErrInvalid, "empty message content")
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Message{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	sender, err := userID(ctx, tx, m.Sender)
	if err != nil {
		return storage.Message{}, err
	}
	var reply sql.NullInt64
	if m.ReplyID != nil {
		ok, err := exists(ctx, tx,
			`SELECT 1 FROM messages WHERE id = ? AND conversation_id = ?`, *m.ReplyID, m.ConversationID)
		if err != nil {
			return storage.Message{}, err
		}
		if !ok {
			return storage.Message{}, errors.Wrapf(storage.ErrNotFound, "reply %d", *m.ReplyID)
		}
		reply = sql.NullInt64{Int64: *m.ReplyID, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, reply_id, content, sent_at) VALUES (?, ?, ?, ?, ?)`,
		m.ConversationID, sender, reply, m.Content, m.SentAt.Unix())
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.Message{}, errors.Wrapf(storage.ErrNotFound, "conversation %d", m.ConversationID)
		}
		return storage.Message{}, errors.Wrap(err, "insert message")
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return storage.Message{}, errors.Wrap(err, "message id")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity = max(last_activity, ?) WHERE id = ?`,
		m.SentAt.Unix(), m.ConversationID); err != nil {
		return storage.Message{}, errors.Wrap(err, "touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return storage.Message{}, errors.Wrap(err, "commit message")
	}
	m.SentAt = time.Unix(m.SentAt.Unix(), 0)
	return m, nil
}

func (s *Store) Messages(ctx context.Context, conversationID, before int64, limit int) ([]storage.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, u.username, m.reply_id, m.content, m.sent_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ? AND m.id < ?
		ORDER BY m.id DESC
		LIMIT ?`, conversationID, before, storage.HistoryLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		var (
			m      storage.Message
			reply  sql.NullInt64
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &reply, &m.Content, &sentAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if reply.Valid {
			r := reply.Int64
			m.ReplyID = &r
		}
		m.SentAt = time.Unix(sentAt, 0)
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (storage.User, error) {
	var (
		u                     storage.User
		lastOnline, createdAt int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.Fullname, &u.IsOnline, &lastOnline, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, errors.Wrap(err, "scan user")
	}
	u.LastOnline = time.Unix(lastOnline, 0)
	u.CreatedAt = time.Unix(createdAt, 0)
	return u, nil
}

func scanConversation(row scanner) (storage.Conversation, error) {
	var (
		c                       storage.Conversation
		lastActivity, createdAt int64
	)
	err := row.Scan(&c.ID, &c.Name, &lastActivity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Conversation{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Conversation{}, errors.Wrap(err, "scan conversation")
	}
	c.LastActivity = time.Unix(lastActivity, 0)
	c.CreatedAt = time.Unix(createdAt, 0)
	return c, nil
}

func userID(ctx context.Context, q queryer, username string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(storage.ErrNotFound, "user %q", username)
	}
	if err != nil {
		return 0, errors.Wrap(err, "select user id")
	}
	return id, nil
}

func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query+" LIMIT 1", args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return true, nil
}

func selectStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select usernames")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan username")
		}
		out = append(out, name)
	}
	return out, errors.Wrap(rows.Err(), "iterate usernames")
}

func requireRow(res sql.Result, username string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "user %q", username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
}
