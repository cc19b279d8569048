package keystore

import (
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyStore(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Type: StoreTypeMemory}, testAccount)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeMemory), store.GetType())
	})

	t.Run("SealedFile", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type: StoreTypeSealedFile,
			Config: map[string]interface{}{
				"path":    filepath.Join(t.TempDir(), "keystore.sealed"),
				"key_b64": base64.StdEncoding.EncodeToString(testSealingKey()),
			},
		}, testAccount)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeSealedFile), store.GetType())
	})

	t.Run("SealedFileMissingPath", func(t *testing.T) {
		_, err := NewStore(StoreConfig{
			Type: StoreTypeSealedFile,
			Config: map[string]interface{}{
				"key_b64": base64.StdEncoding.EncodeToString(testSealingKey()),
			},
		}, testAccount)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path")
	})

	t.Run("SealedFileMissingKey", func(t *testing.T) {
		_, err := NewStore(StoreConfig{
			Type: StoreTypeSealedFile,
			Config: map[string]interface{}{
				"path": filepath.Join(t.TempDir(), "keystore.sealed"),
			},
		}, testAccount)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key_b64")
	})

	t.Run("SealedFileBadKeyEncoding", func(t *testing.T) {
		_, err := NewStore(StoreConfig{
			Type: StoreTypeSealedFile,
			Config: map[string]interface{}{
				"path":    filepath.Join(t.TempDir(), "keystore.sealed"),
				"key_b64": "!!! not base64 !!!",
			},
		}, testAccount)
		assert.Error(t, err)
	})

	t.Run("Keyring", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type: StoreTypeKeyring,
			Config: map[string]interface{}{
				"service_name":     "keep-e2ee-test",
				"allowed_backends": []interface{}{"file"},
				"file_dir":         t.TempDir(),
				"file_password":    "test-password",
			},
		}, testAccount)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, string(StoreTypeKeyring), store.GetType())
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "carrier-pigeon"}, testAccount)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported key store type")
	})

	t.Run("InvalidAccount", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: StoreTypeMemory}, "../escape")
		assert.Error(t, err)
	})
}

func TestValidateKey(t *testing.T) {
	valid := []string{
		"device_private_key",
		"cached_umk",
		"a",
		strings.Repeat("k", 200),
	}
	for _, key := range valid {
		assert.NoError(t, validateKey(key), "key %q should be accepted", key)
	}

	invalid := []string{
		"",
		"a/b",
		"..",
		"a..b",
		"a b",
		"a\\b",
		strings.Repeat("k", 201),
	}
	for _, key := range invalid {
		assert.Error(t, validateKey(key), "key %q should be rejected", key)
	}
}
