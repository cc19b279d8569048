package persist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)

	testStoreImplementation(t, store, func(t *testing.T) Store {
		fresh, err := NewMemoryStore("fresh-account")
		require.NoError(t, err)
		t.Cleanup(func() { fresh.Close() })
		return fresh
	})
}

func TestMemoryStoreWatchCancel(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := store.WatchDevices(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "Channel should be closed after context cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("Channel was not closed after context cancellation")
	}
}

func TestMemoryStoreCloseClosesWatches(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)

	events, err := store.WatchDevices(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.Close())

	select {
	case _, ok := <-events:
		assert.False(t, ok, "Channel should be closed after store close")
	case <-time.After(2 * time.Second):
		t.Fatal("Channel was not closed after store close")
	}

	_, err = store.SaveDevice("dev-after-close", []byte(`{}`), "")
	assert.Error(t, err, "Writes after close should fail")
}

func TestMemoryStoreDataIsolation(t *testing.T) {
	store, err := NewMemoryStore(testAccount)
	require.NoError(t, err)
	defer store.Close()

	original := []byte(`{"id":"dev-iso"}`)
	_, err = store.SaveDevice("dev-iso", original, "")
	require.NoError(t, err)

	doc, err := store.LoadDevice("dev-iso")
	require.NoError(t, err)

	// Mutating the returned slice must not corrupt the stored document.
	for i := range doc.Data {
		doc.Data[i] = 'x'
	}

	reloaded, err := store.LoadDevice("dev-iso")
	require.NoError(t, err)
	assert.Equal(t, original, reloaded.Data)
}
