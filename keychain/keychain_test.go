package keychain

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distantsys/distant/protocol"
)

func TestKeychain_InMemoryPutGetRemove(t *testing.T) {
	kc := New()

	id := protocol.ConnectionId(1)
	require.NoError(t, kc.Put(id, []byte("secret")))

	tok, ok := kc.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("secret"), tok)

	require.NoError(t, kc.Remove(id))
	_, ok = kc.Get(id)
	require.False(t, ok)
}

func TestKeychain_ContainsTokenMatchesAnyStoredToken(t *testing.T) {
	kc := New()
	require.NoError(t, kc.Put(protocol.ConnectionId(1), []byte("tok-a")))
	require.NoError(t, kc.Put(protocol.ConnectionId(2), []byte("tok-b")))

	require.True(t, kc.ContainsToken([]byte("tok-b")))
	require.False(t, kc.ContainsToken([]byte("tok-c")))
}

func TestKeychain_OpenPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keychain.db")

	kc, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, kc.Put(protocol.ConnectionId(42), []byte("persisted")))
	require.NoError(t, kc.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	tok, ok := reopened.Get(protocol.ConnectionId(42))
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), tok)
}

func TestKeychain_OpenRemovePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keychain.db")

	kc, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, kc.Put(protocol.ConnectionId(7), []byte("x")))
	require.NoError(t, kc.Remove(protocol.ConnectionId(7)))
	require.NoError(t, kc.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, ok := reopened.Get(protocol.ConnectionId(7))
	require.False(t, ok)
}
