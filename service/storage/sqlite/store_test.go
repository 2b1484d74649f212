package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chatcore/service/storage"
	"chatcore/service/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenFileReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CreateUser(t.Context(), "alice", "Alice", "hash")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	u, err := s.UserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", u.Fullname)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
