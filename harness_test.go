package e2ee

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/keystore"
	"github.com/foxbiz/better-keep-sub001/persist"
)

const testAccount = "test-account"

// fakeIdentity satisfies Identity for tests.
type fakeIdentity struct {
	id        string
	signedOut bool
}

func (f *fakeIdentity) AccountID() (string, error) { return f.id, nil }
func (f *fakeIdentity) SignOut() error             { f.signedOut = true; return nil }

func newTestStore(t *testing.T) *persist.MemoryStore {
	t.Helper()
	store, err := persist.NewMemoryStore(testAccount)
	require.NoError(t, err)
	return store
}

func newTestKeys(t *testing.T) keystore.Store {
	t.Helper()
	keys, err := keystore.NewMemoryStore(testAccount)
	require.NoError(t, err)
	return keys
}

// testDevice bundles the pieces that in production live on one machine:
// the device keystore, the session and the managers on top. Devices of
// the same account share the persist.Store passed in.
type testDevice struct {
	keys     keystore.Store
	session  *sessionKeys
	trust    *TrustManager
	recovery *RecoveryManager
	payload  *PayloadCipher
}

func newTestDevice(t *testing.T, store persist.Store, options Options) *testDevice {
	t.Helper()
	keys := newTestKeys(t)
	options = options.withDefaults()
	session := newSessionKeys()
	logger := audit.NewNoOpLogger()
	trust := newTrustManager(store, keys, session, logger, options)
	return &testDevice{
		keys:     keys,
		session:  session,
		trust:    trust,
		recovery: newRecoveryManager(store, trust, session, logger, options),
		payload:  newPayloadCipher(session),
	}
}

// newTestStack builds a Stack over a fresh keystore. Cleanup stops
// background work without closing the shared store, so several stacks can
// coexist on one account within a test.
func newTestStack(t *testing.T, store persist.Store, options Options) (*Stack, *fakeIdentity) {
	t.Helper()
	return newTestStackWithKeys(t, store, newTestKeys(t), options)
}

func newTestStackWithKeys(t *testing.T, store persist.Store, keys keystore.Store, options Options) (*Stack, *fakeIdentity) {
	t.Helper()
	identity := &fakeIdentity{id: testAccount}
	stack, err := New(options, identity, keys, store, nil)
	require.NoError(t, err)
	t.Cleanup(stack.orchestrator.teardown)
	return stack, identity
}
