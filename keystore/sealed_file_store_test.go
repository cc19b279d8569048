package keystore

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxbiz/better-keep-sub001/internal/crypto"
)

// testSealingKey returns a deterministic 32-byte key so reopen tests can
// reproduce it.
func testSealingKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func newSealedTestStore(t *testing.T, path string, key []byte, accountID string) *SealedFileStore {
	t.Helper()

	store, err := NewSealedFileStore(SealedFileConfig{Path: path, Key: key}, accountID)
	require.NoError(t, err)
	return store
}

func TestSealedFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")
	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer store.Close()

	testKeyStoreImplementation(t, store)
}

func TestSealedFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	require.NoError(t, store.Set("device_private_key", []byte("persisted-secret")))
	require.NoError(t, store.Close())

	reopened := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer reopened.Close()

	got, err := reopened.Get("device_private_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted-secret"), got)
}

func TestSealedFileStoreWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	require.NoError(t, store.Set("device_private_key", []byte("secret")))
	require.NoError(t, store.Close())

	wrongKey := testSealingKey()
	wrongKey[0] ^= 0xFF

	reopened := newSealedTestStore(t, path, wrongKey, testAccount)
	defer reopened.Close()

	_, err := reopened.Get("device_private_key")
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
}

func TestSealedFileStoreAccountBinding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), "account-one")
	require.NoError(t, store.Set("device_private_key", []byte("secret")))
	require.NoError(t, store.Close())

	// Same key, different account: the associated data no longer matches,
	// so the file must refuse to open rather than leak across accounts.
	reopened := newSealedTestStore(t, path, testSealingKey(), "account-two")
	defer reopened.Close()

	_, err := reopened.Get("device_private_key")
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
}

func TestSealedFileStoreTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	require.NoError(t, store.Set("device_private_key", []byte("secret")))
	require.NoError(t, store.Close())

	// Flip one ciphertext bit on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var wrapper sealedFileV1
	require.NoError(t, json.Unmarshal(raw, &wrapper))

	ciphertext, err := base64.StdEncoding.DecodeString(wrapper.CtB64)
	require.NoError(t, err)
	ciphertext[len(ciphertext)/2] ^= 0x01
	wrapper.CtB64 = base64.StdEncoding.EncodeToString(ciphertext)

	tampered, err := json.Marshal(wrapper)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	reopened := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer reopened.Close()

	_, err = reopened.Get("device_private_key")
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
}

func TestSealedFileStoreRejectsUnsealedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")
	require.NoError(t, os.WriteFile(path, []byte(`{"device_id":"plaintext"}`), 0600))

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer store.Close()

	_, err := store.Get("device_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a sealed key store file")
}

func TestSealedFileStorePurgeRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer store.Close()

	require.NoError(t, store.Set("device_id", []byte("dev-1")))
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.Purge())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "purge should remove the store file")

	// The store stays usable and starts a fresh file on the next write.
	require.NoError(t, store.Set("device_id", []byte("dev-2")))
	got, err := store.Get("device_id")
	require.NoError(t, err)
	assert.Equal(t, []byte("dev-2"), got)
}

func TestSealedFileStoreFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer store.Close()

	require.NoError(t, store.Set("device_id", []byte("dev-1")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSealedFileStoreKeyLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	_, err := NewSealedFileStore(SealedFileConfig{Path: path, Key: make([]byte, 16)}, testAccount)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealing key")

	_, err = NewSealedFileStore(SealedFileConfig{Path: path, Key: nil}, testAccount)
	assert.Error(t, err)
}

func TestSealedFileStoreFreshNoncePerSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.sealed")

	store := newSealedTestStore(t, path, testSealingKey(), testAccount)
	defer store.Close()

	require.NoError(t, store.Set("device_id", []byte("dev-1")))
	raw1, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, store.Set("device_id", []byte("dev-1")))
	raw2, err := os.ReadFile(path)
	require.NoError(t, err)

	var first, second sealedFileV1
	require.NoError(t, json.Unmarshal(raw1, &first))
	require.NoError(t, json.Unmarshal(raw2, &second))
	assert.NotEqual(t, first.NonceB64, second.NonceB64,
		"identical content must still be sealed under a fresh nonce")
}
