package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyStore(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)
	defer store.Close()

	testKeyStoreImplementation(t, store)
}

func TestMemoryKeyStoreClose(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)

	require.NoError(t, store.Set("k", []byte("v")))
	require.NoError(t, store.Close())

	assert.Error(t, store.Set("k", []byte("v2")))
	_, err = store.Get("k")
	assert.Error(t, err)
	assert.Error(t, store.Purge())

	// Closing twice is fine.
	assert.NoError(t, store.Close())
}

func TestMemoryKeyStoreDataIsolation(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)
	defer store.Close()

	original := []byte("immutable")
	require.NoError(t, store.Set("k", original))

	// Mutating the caller's buffer after Set must not change the store.
	original[0] = 'X'

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), got)

	// Mutating what Get returned must not change the store either.
	got[0] = 'Y'

	again, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestMemoryKeyStoreAccountValidation(t *testing.T) {
	for _, account := range []string{"", "../escape", "a/b", "a b"} {
		_, err := NewMemoryStore(account)
		assert.Error(t, err, "account %q should be rejected", account)
	}
}
