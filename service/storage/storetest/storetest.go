// Package storetest holds the behavioural tests every storage.Store backend
// has to pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/service/storage"
)

// Factory returns a ready store. Cleanup is the factory's business.
type Factory func(t *testing.T) storage.Store

// Run executes the whole suite against the stores produced by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"users", testUsers},
		{"presence", testPresence},
		{"contacts are symmetric", testContacts},
		{"duplicate contact either direction", testDuplicateContact},
		{"conversation membership", testConversations},
		{"conversation with unknown member rolls back", testConversationRollback},
		{"messages", testMessages},
		{"history pages are capped", testHistoryLimit},
		{"reply must be in the same conversation", testReplies},
		{"concurrent message ids increase", testConcurrentMessages},
		{"conversations ordered by activity", testConversationRecency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory(t))
		})
	}
}

// name returns a username unique to this run so shared databases stay usable.
func name(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

func mustUser(t *testing.T, s storage.Store, prefix string) storage.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name(prefix), prefix+" fullname", "hash")
	require.NoError(t, err)
	return u
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "alice")

	got, err := s.UserByUsername(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.Username, got.Username)
	assert.Equal(t, "alice fullname", got.Fullname)
	assert.False(t, got.IsOnline)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.CreateUser(ctx, u.Username, "again", "hash")
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "got %v", err)

	_, err = s.UserByUsername(ctx, name("ghost"))
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	hash, err := s.PasswordHash(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, "hash", hash)

	require.NoError(t, s.UpdatePasswordHash(ctx, u.Username, "rehash"))
	hash, err = s.PasswordHash(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, "rehash", hash)
}

func testPresence(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := mustUser(t, s, "bob")
	at := time.Now().Add(time.Minute).Truncate(time.Second)

	require.NoError(t, s.SetPresence(ctx, u.Username, true, at))
	got, err := s.UserByUsername(ctx, u.Username)
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	assert.Equal(t, at.Unix(), got.LastOnline.Unix())

	require.NoError(t, s.SetPresence(ctx, u.Username, false, at.Add(time.Second)))
	got, err = s.UserByUsername(ctx, u.Username)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)

	err = s.SetPresence(ctx, name("ghost"), true, at)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testContacts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := mustUser(t, s, "a"), mustUser(t, s, "b")

	require.NoError(t, s.AddContact(ctx, a.Username, b.Username))

	for _, pair := range [][2]string{{a.Username, b.Username}, {b.Username, a.Username}} {
		ok, err := s.IsContact(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, ok, "%s -> %s", pair[0], pair[1])
	}

	contacts, err := s.Contacts(ctx, a.Username)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, b.Username, contacts[0].Username)

	names, err := s.ContactUsernames(ctx, b.Username)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Username}, names)

	err = s.AddContact(ctx, a.Username, a.Username)
	assert.True(t, errors.Is(err, storage.ErrInvalid), "got %v", err)

	err = s.AddContact(ctx, a.Username, name("ghost"))
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testDuplicateContact(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := mustUser(t, s, "a"), mustUser(t, s, "b")

	require.NoError(t, s.AddContact(ctx, a.Username, b.Username))
	err := s.AddContact(ctx, a.Username, b.Username)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "got %v", err)
	err = s.AddContact(ctx, b.Username, a.Username)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "got %v", err)
}

func testConversations(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b, c := mustUser(t, s, "a"), mustUser(t, s, "b"), mustUser(t, s, "c")

	conv, err := s.CreateConversation(ctx, "trip", []string{a.Username, b.Username, a.Username}, time.Now())
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
	assert.Equal(t, "trip", conv.Name)

	members, err := s.Members(ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.Username, b.Username}, members)

	ok, err := s.IsMember(ctx, conv.ID, b.Username)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsMember(ctx, conv.ID, c.Username)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = s.Conversation(ctx, conv.ID+1_000_000)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	list, err := s.Conversations(ctx, c.Username)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testConversationRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := mustUser(t, s, "a")

	_, err := s.CreateConversation(ctx, "broken", []string{a.Username, name("ghost")}, time.Now())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	list, err := s.Conversations(ctx, a.Username)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := mustUser(t, s, "a"), mustUser(t, s, "b")
	conv, err := s.CreateConversation(ctx, "chat", []string{a.Username, b.Username}, time.Now())
	require.NoError(t, err)

	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		m, err := s.AddMessage(ctx, storage.Message{ConversationID: conv.ID, Sender: a.Username, Content: content})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	msgs, err := s.Messages(ctx, conv.ID, storage.MaxMessageID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "one", msgs[2].Content)
	assert.Equal(t, a.Username, msgs[0].Sender)
	assert.Nil(t, msgs[0].ReplyID)

	msgs, err = s.Messages(ctx, conv.ID, ids[2], 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ids[1], msgs[0].ID)

	_, err = s.AddMessage(ctx, storage.Message{ConversationID: conv.ID, Sender: a.Username})
	assert.True(t, errors.Is(err, storage.ErrInvalid), "got %v", err)

	ok, err := s.HasMessage(ctx, conv.ID, ids[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func testHistoryLimit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := mustUser(t, s, "a")
	conv, err := s.CreateConversation(ctx, "long", []string{a.Username}, time.Now())
	require.NoError(t, err)

	const total = storage.DefaultHistoryLimit + 5
	ids := make([]int64, 0, total)
	for i := 0; i < total; i++ {
		m, err := s.AddMessage(ctx, storage.Message{ConversationID: conv.ID, Sender: a.Username, Content: "m"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	for _, limit := range []int{0, -1, 500} {
		page, err := s.Messages(ctx, conv.ID, storage.MaxMessageID, limit)
		require.NoError(t, err)
		require.Len(t, page, storage.DefaultHistoryLimit, "limit %d", limit)
		assert.Equal(t, ids[total-1], page[0].ID)
		assert.Equal(t, ids[5], page[len(page)-1].ID)
	}

	rest, err := s.Messages(ctx, conv.ID, ids[5], 0)
	require.NoError(t, err)
	require.Len(t, rest, 5)
	assert.Equal(t, ids[4], rest[0].ID)
	assert.Equal(t, ids[0], rest[4].ID)
}

func testReplies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := mustUser(t, s, "a")
	first, err := s.CreateConversation(ctx, "first", []string{a.Username}, time.Now())
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, "second", []string{a.Username}, time.Now())
	require.NoError(t, err)

	root, err := s.AddMessage(ctx, storage.Message{ConversationID: first.ID, Sender: a.Username, Content: "root"})
	require.NoError(t, err)

	reply, err := s.AddMessage(ctx, storage.Message{
		ConversationID: first.ID, Sender: a.Username, Content: "re", ReplyID: &root.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyID)
	assert.Equal(t, root.ID, *reply.ReplyID)

	_, err = s.AddMessage(ctx, storage.Message{
		ConversationID: second.ID, Sender: a.Username, Content: "cross", ReplyID: &root.ID,
	})
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	ok, err := s.HasMessage(ctx, second.ID, root.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := mustUser(t, s, "a"), mustUser(t, s, "b")
	conv, err := s.CreateConversation(ctx, "busy", []string{a.Username, b.Username}, time.Now())
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		sender := a.Username
		if i%2 == 1 {
			sender = b.Username
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddMessage(ctx, storage.Message{ConversationID: conv.ID, Sender: sender, Content: "hi"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.Messages(ctx, conv.ID, storage.MaxMessageID, n)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	seen := make(map[int64]bool, n)
	for i, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.Greater(t, msgs[i-1].ID, m.ID)
		}
	}
}

func testConversationRecency(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := mustUser(t, s, "a")
	base := time.Now().Truncate(time.Second)

	older, err := s.CreateConversation(ctx, "older", []string{a.Username}, base)
	require.NoError(t, err)
	newer, err := s.CreateConversation(ctx, "newer", []string{a.Username}, base.Add(time.Second))
	require.NoError(t, err)

	list, err := s.Conversations(ctx, a.Username)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	_, err = s.AddMessage(ctx, storage.Message{
		ConversationID: older.ID, Sender: a.Username, Content: "bump", SentAt: base.Add(time.Minute),
	})
	require.NoError(t, err)

	list, err = s.Conversations(ctx, a.Username)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, "older", list[0].Name)
}
