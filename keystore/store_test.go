package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "test-account"

// testKeyStoreImplementation exercises the Store contract against any
// backend. Backend test files open a store and hand it in here.
func testKeyStoreImplementation(t *testing.T, store Store) {
	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})

	t.Run("SetAndGet", func(t *testing.T) {
		value := []byte("super-secret-value")
		require.NoError(t, store.Set("device_private_key", value))

		got, err := store.Get("device_private_key")
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Set("cached_umk", []byte("first")))
		require.NoError(t, store.Set("cached_umk", []byte("second")))

		got, err := store.Get("cached_umk")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("Has", func(t *testing.T) {
		require.NoError(t, store.Set("device_id", []byte("dev-1")))

		ok, err := store.Has("device_id")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Has("never_written")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get("missing_key")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Set("remember_device", []byte{1}))
		require.NoError(t, store.Delete("remember_device"))

		ok, err := store.Has("remember_device")
		require.NoError(t, err)
		assert.False(t, ok)

		// Deleting again is not an error.
		assert.NoError(t, store.Delete("remember_device"))
	})

	t.Run("EmptyValue", func(t *testing.T) {
		require.NoError(t, store.Set("sign_in_in_progress", []byte{}))

		ok, err := store.Has("sign_in_in_progress")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.Get("sign_in_in_progress")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("BinaryValue", func(t *testing.T) {
		value := make([]byte, 256)
		for i := range value {
			value[i] = byte(i)
		}
		require.NoError(t, store.Set("cached_device_status", value))

		got, err := store.Get("cached_device_status")
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		for _, key := range []string{"", "a/b", "..", "a b", "a\\b"} {
			assert.Error(t, store.Set(key, []byte("x")), "Set should reject key %q", key)

			_, err := store.Get(key)
			assert.Error(t, err, "Get should reject key %q", key)
		}
	})

	t.Run("Purge", func(t *testing.T) {
		require.NoError(t, store.Set("purge_a", []byte("a")))
		require.NoError(t, store.Set("purge_b", []byte("b")))

		require.NoError(t, store.Purge())

		for _, key := range []string{"purge_a", "purge_b", "device_private_key"} {
			ok, err := store.Has(key)
			require.NoError(t, err)
			assert.False(t, ok, "key %q should be gone after purge", key)
		}

		// Purging an already-empty store is not an error.
		assert.NoError(t, store.Purge())
	})
}
