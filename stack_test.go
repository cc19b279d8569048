package e2ee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxbiz/better-keep-sub001/internal/mem"
	"github.com/foxbiz/better-keep-sub001/keystore"
	"github.com/foxbiz/better-keep-sub001/persist"
)

type unreachableStore struct {
	persist.Store
}

func (unreachableStore) Ping() error {
	return persist.ConnectivityError{Operation: "Ping", Err: errors.New("no route to host")}
}

func TestNewValidatesDependencies(t *testing.T) {
	identity := &fakeIdentity{id: testAccount}
	keys := newTestKeys(t)
	store := newTestStore(t)

	tests := []struct {
		name     string
		options  Options
		identity Identity
		keys     keystore.Store
		store    persist.Store
		wantErr  string
	}{
		{
			name:    "NilIdentity",
			keys:    keys,
			store:   store,
			wantErr: "identity",
		},
		{
			name:     "NilKeystore",
			identity: identity,
			store:    store,
			wantErr:  "keystore",
		},
		{
			name:     "NilStore",
			identity: identity,
			keys:     keys,
			wantErr:  "store",
		},
		{
			name:     "NegativePollInterval",
			options:  Options{ApprovalPollInterval: -time.Second},
			identity: identity,
			keys:     keys,
			store:    store,
			wantErr:  "poll interval",
		},
		{
			name:     "UnreachableStore",
			identity: identity,
			keys:     keys,
			store:    unreachableStore{Store: store},
			wantErr:  "not reachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.options, tt.identity, tt.keys, tt.store, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStackLifecycle(t *testing.T) {
	identity := &fakeIdentity{id: testAccount}

	// A nil audit logger is allowed and disables auditing.
	stack, err := New(Options{DeviceName: "alpha"}, identity, newTestKeys(t), newTestStore(t), nil)
	require.NoError(t, err)

	require.NotNil(t, stack.Trust())
	require.NotNil(t, stack.Recovery())
	require.NotNil(t, stack.Payload())
	require.NotNil(t, stack.Orchestrator())
	assert.Equal(t, mem.ProtectionNone, stack.MemoryProtection())

	account, err := stack.AccountID()
	require.NoError(t, err)
	assert.Equal(t, testAccount, account)

	status, err := stack.Orchestrator().Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusReady, status)

	note, err := stack.Payload().EncryptNote("Hello", "still here after setup")
	require.NoError(t, err)
	decrypted, err := stack.Payload().DecryptNote(note)
	require.NoError(t, err)
	assert.Equal(t, "still here after setup", decrypted.Body)

	require.NoError(t, stack.Close())
	assert.False(t, stack.session.hasUMK(), "close wipes the in-memory session")
	assert.NoError(t, stack.Close(), "close is idempotent")
}
