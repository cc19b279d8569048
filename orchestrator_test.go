package e2ee

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxbiz/better-keep-sub001/persist"
)

// flakyStore wraps a real store and can simulate the backend dropping
// offline for reads of device records.
type flakyStore struct {
	persist.Store
	mu      sync.Mutex
	offline bool
}

func (f *flakyStore) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *flakyStore) LoadDevice(deviceID string) (*persist.VersionedDoc, error) {
	f.mu.Lock()
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return nil, persist.ConnectivityError{Operation: "LoadDevice", Err: errors.New("connection refused")}
	}
	return f.Store.LoadDevice(deviceID)
}

func waitStatus(t *testing.T, o *Orchestrator, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Status() == want },
		3*time.Second, 10*time.Millisecond, "expected status %s", want)
}

// fastPoll keeps waiting-for-approval tests snappy.
func fastPoll(options Options) Options {
	options.ApprovalPollInterval = 50 * time.Millisecond
	return options
}

func TestInitializeEmptyAccountWithoutName(t *testing.T) {
	store := newTestStore(t)
	stack, _ := newTestStack(t, store, Options{})

	status, err := stack.Orchestrator().Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNotSetUp, status)
	assert.False(t, stack.Orchestrator().Usable())

	devices, err := stack.Trust().ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices, "no registration without a device name")
}

func TestInitializeFirstDeviceSetup(t *testing.T) {
	store := newTestStore(t)
	stack, _ := newTestStack(t, store, Options{DeviceName: "alpha"})
	ctx := context.Background()

	status, err := stack.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
	assert.True(t, stack.Orchestrator().Usable())

	note, err := stack.Payload().EncryptNote("First", "note on a fresh account")
	require.NoError(t, err)
	decrypted, err := stack.Payload().DecryptNote(note)
	require.NoError(t, err)
	assert.Equal(t, "note on a fresh account", decrypted.Body)

	t.Run("RepeatInitialize", func(t *testing.T) {
		status, err := stack.Orchestrator().Initialize(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusReady, status)

		devices, err := stack.Trust().ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 1, "re-running initialize must not duplicate the device")
	})
}

func TestInitializeJoinsApprovalQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alpha, _ := newTestStack(t, store, Options{DeviceName: "alpha"})
	_, err := alpha.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	note, err := alpha.Payload().EncryptNote("Shared", "seen by both")
	require.NoError(t, err)

	beta, _ := newTestStack(t, store, fastPoll(Options{DeviceName: "beta"}))
	status, err := beta.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, status)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	statuses := beta.Orchestrator().WatchStatus(watchCtx)

	pending, err := alpha.Trust().PendingDevices(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, alpha.Trust().ApproveDevice(ctx, pending[0].ID))

	waitStatus(t, beta.Orchestrator(), StatusReady)

	decrypted, err := beta.Payload().DecryptNote(note)
	require.NoError(t, err)
	assert.Equal(t, "seen by both", decrypted.Body)

	// The watcher observed the transition, not just the end state.
	sawReady := false
	for !sawReady {
		select {
		case s := <-statuses:
			sawReady = s == StatusReady
		case <-time.After(time.Second):
			t.Fatal("status watcher never saw ready")
		}
	}
}

func TestApprovalDeniedByDeletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alpha, _ := newTestStack(t, store, Options{DeviceName: "alpha"})
	_, err := alpha.Orchestrator().Initialize(ctx)
	require.NoError(t, err)

	beta, _ := newTestStack(t, store, fastPoll(Options{DeviceName: "beta"}))
	status, err := beta.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, status)

	pending, err := alpha.Trust().PendingDevices(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, alpha.Trust().RevokeDevice(ctx, pending[0].ID))

	waitStatus(t, beta.Orchestrator(), StatusRevoked)
	assert.False(t, beta.Orchestrator().Usable())
}

func TestCachedOptimisticStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := newTestKeys(t)
	first, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	_, err := first.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	first.orchestrator.teardown()

	relaunch, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	status, err := relaunch.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusVerifying, status, "cached approval starts optimistically")
	assert.True(t, relaunch.Orchestrator().Usable(), "verifying is usable")

	waitStatus(t, relaunch.Orchestrator(), StatusReady)
}

func TestOfflineStartStaysUsable(t *testing.T) {
	flaky := &flakyStore{Store: newTestStore(t)}
	ctx := context.Background()

	keys := newTestKeys(t)
	first, _ := newTestStackWithKeys(t, flaky, keys, Options{DeviceName: "alpha"})
	_, err := first.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	note, err := first.Payload().EncryptNote("Offline", "works without the server")
	require.NoError(t, err)
	first.orchestrator.teardown()

	flaky.setOffline(true)
	relaunch, _ := newTestStackWithKeys(t, flaky, keys, Options{DeviceName: "alpha"})
	status, err := relaunch.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusVerifying, status)

	// Connectivity trouble must never downgrade an optimistic start.
	require.Never(t, func() bool {
		return relaunch.Orchestrator().Status() != StatusVerifying
	}, 300*time.Millisecond, 20*time.Millisecond)

	decrypted, err := relaunch.Payload().DecryptNote(note)
	require.NoError(t, err)
	assert.Equal(t, "works without the server", decrypted.Body)
}

func TestRemoteDeletionDowngradesOptimisticStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := newTestKeys(t)
	first, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	_, err := first.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	note, err := first.Payload().EncryptNote("Gone", "soon unreadable here")
	require.NoError(t, err)
	deviceID, err := first.Trust().CurrentDeviceID()
	require.NoError(t, err)
	first.orchestrator.teardown()

	// The record disappears while the device is away.
	require.NoError(t, store.DeleteDevice(deviceID))

	relaunch, _ := newTestStackWithKeys(t, store, keys, Options{})
	status, err := relaunch.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusVerifying, status)

	waitStatus(t, relaunch.Orchestrator(), StatusNotSetUp)

	locked, err := relaunch.Payload().DecryptNote(note)
	require.NoError(t, err)
	assert.True(t, locked.Locked, "purged device must not keep the key")
}

func TestRevokedDeviceRejoinsQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alpha, _ := newTestStack(t, store, Options{DeviceName: "alpha"})
	_, err := alpha.Orchestrator().Initialize(ctx)
	require.NoError(t, err)

	keysBeta := newTestKeys(t)
	beta, _ := newTestStackWithKeys(t, store, keysBeta, fastPoll(Options{DeviceName: "beta"}))
	_, err = beta.Orchestrator().Initialize(ctx)
	require.NoError(t, err)

	pending, err := alpha.Trust().PendingDevices(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	betaID := pending[0].ID
	require.NoError(t, alpha.Trust().ApproveDevice(ctx, betaID))
	waitStatus(t, beta.Orchestrator(), StatusReady)
	beta.orchestrator.teardown()

	require.NoError(t, alpha.Trust().RevokeDevice(ctx, betaID))

	// Relaunch after revocation: the cached start is withdrawn and the
	// device goes back to the approval queue under a fresh key pair.
	relaunch, _ := newTestStackWithKeys(t, store, keysBeta, fastPoll(Options{DeviceName: "beta"}))
	status, err := relaunch.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusVerifying, status)

	waitStatus(t, relaunch.Orchestrator(), StatusPendingApproval)

	pending, err = alpha.Trust().PendingDevices(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, betaID, pending[0].ID)

	require.NoError(t, alpha.Trust().ApproveDevice(ctx, pending[0].ID))
	waitStatus(t, relaunch.Orchestrator(), StatusReady)
}

func TestInterruptedSignInSkipsOptimism(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := newTestKeys(t)
	first, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	_, err := first.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	first.orchestrator.teardown()

	relaunch, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	require.NoError(t, relaunch.Orchestrator().BeginSignIn())

	// The interrupted sign-in marker forces the full ladder; the record
	// is still approved, so the outcome is an immediate Ready.
	status, err := relaunch.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)

	_, err = keys.Get(keySignInInProgress)
	assert.Error(t, err, "stale sign-in marker should be cleared")
}

func TestRevokedRecordAtLaunch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := newTestKeys(t)
	first, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	_, err := first.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	deviceID, err := first.Trust().CurrentDeviceID()
	require.NoError(t, err)
	first.orchestrator.teardown()

	// Another client marked the device revoked instead of deleting it.
	record, err := first.trust.loadDevice(deviceID)
	require.NoError(t, err)
	record.resetToPending()
	now := time.Now().UTC()
	record.Status = DeviceStatusRevoked
	record.RevokedAt = &now
	data, err := encodeDeviceRecord(record)
	require.NoError(t, err)
	_, err = store.SaveDevice(deviceID, data, "")
	require.NoError(t, err)

	relaunch, _ := newTestStackWithKeys(t, store, keys, Options{DeviceName: "alpha"})
	require.NoError(t, relaunch.Orchestrator().BeginSignIn())
	status, err := relaunch.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, status)
	assert.False(t, relaunch.session.hasUMK())
}

func TestLogoutForgetDevice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stack, identity := newTestStack(t, store, Options{DeviceName: "alpha"})
	_, err := stack.Orchestrator().Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, stack.Orchestrator().Logout(ctx))

	assert.Equal(t, StatusNotInitialized, stack.Orchestrator().Status())
	assert.True(t, identity.signedOut)
	assert.False(t, stack.session.hasUMK())
	_, err = stack.Trust().CurrentDeviceID()
	assert.ErrorIs(t, err, ErrNotFound, "forgetting the device destroys its identity")
}

func TestLogoutRememberDevice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stack, identity := newTestStack(t, store, Options{DeviceName: "alpha"})
	_, err := stack.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	deviceID, err := stack.Trust().CurrentDeviceID()
	require.NoError(t, err)

	require.NoError(t, stack.Orchestrator().SetRememberDevice(true))
	require.NoError(t, stack.Orchestrator().Logout(ctx))
	assert.True(t, identity.signedOut)
	assert.False(t, stack.session.hasUMK())

	_, err = stack.keys.Get(keyCachedUMK)
	assert.Error(t, err, "cached master key must not survive sign-out")

	// The identity survived, so the next sign-in unwraps without a new
	// approval round.
	status, err := stack.Orchestrator().Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
	stillID, err := stack.Trust().CurrentDeviceID()
	require.NoError(t, err)
	assert.Equal(t, deviceID, stillID)
}

func TestStartFresh(t *testing.T) {
	ctx := context.Background()

	t.Run("FromNotSetUp", func(t *testing.T) {
		stack, _ := newTestStack(t, newTestStore(t), Options{})
		status, err := stack.Orchestrator().Initialize(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusNotSetUp, status)

		device, err := stack.Orchestrator().StartFresh(ctx, "solo", "", nil)
		require.NoError(t, err)
		assert.True(t, device.Approved())
		assert.Equal(t, StatusReady, stack.Orchestrator().Status())
	})

	t.Run("FromNeedsRecovery", func(t *testing.T) {
		store := newTestStore(t)
		alpha := readyDevice(t, store)
		require.NoError(t, alpha.recovery.Create(ctx, testPassphrase, ""))
		alphaID, err := alpha.trust.CurrentDeviceID()
		require.NoError(t, err)
		require.NoError(t, store.DeleteDevice(alphaID))

		stack, _ := newTestStack(t, store, Options{})
		status, err := stack.Orchestrator().Initialize(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusNeedsRecovery, status)

		_, err = stack.Orchestrator().StartFresh(ctx, "fresh", "", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusReady, stack.Orchestrator().Status())

		exists, err := stack.Recovery().HasRecoveryKey(ctx)
		require.NoError(t, err)
		assert.False(t, exists, "a fresh start abandons the old recovery key")

		devices, err := stack.Trust().ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	})

	t.Run("RejectedWhenReady", func(t *testing.T) {
		stack, _ := newTestStack(t, newTestStore(t), Options{DeviceName: "alpha"})
		_, err := stack.Orchestrator().Initialize(ctx)
		require.NoError(t, err)

		_, err = stack.Orchestrator().StartFresh(ctx, "again", "", nil)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestRecoverWithPassphrase(t *testing.T) {
	ctx := context.Background()

	t.Run("DemotesOtherDevices", func(t *testing.T) {
		store := newTestStore(t)
		alpha := readyDevice(t, store)
		require.NoError(t, alpha.recovery.Create(ctx, testPassphrase, ""))
		note, err := alpha.payload.EncryptNote("Kept", "survives recovery")
		require.NoError(t, err)

		stack, _ := newTestStack(t, store, Options{})
		device, err := stack.Orchestrator().RecoverWithPassphrase(ctx, testPassphrase, "recovered", "", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusReady, stack.Orchestrator().Status())

		devices, err := stack.Trust().ListDevices(ctx)
		require.NoError(t, err)
		require.Len(t, devices, 1, "recovery demotes every other device by default")
		assert.Equal(t, device.ID, devices[0].ID)

		decrypted, err := stack.Payload().DecryptNote(note)
		require.NoError(t, err)
		assert.Equal(t, "survives recovery", decrypted.Body)
	})

	t.Run("SkipPrimaryKeepsOtherDevices", func(t *testing.T) {
		store := newTestStore(t)
		alpha := readyDevice(t, store)
		require.NoError(t, alpha.recovery.Create(ctx, testPassphrase, ""))

		stack, _ := newTestStack(t, store, Options{SkipPrimaryOnRecovery: true})
		_, err := stack.Orchestrator().RecoverWithPassphrase(ctx, testPassphrase, "recovered", "", nil)
		require.NoError(t, err)

		devices, err := stack.Trust().ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 2)
	})

	t.Run("WrongPassphrase", func(t *testing.T) {
		store := newTestStore(t)
		alpha := readyDevice(t, store)
		require.NoError(t, alpha.recovery.Create(ctx, testPassphrase, ""))
		alphaID, err := alpha.trust.CurrentDeviceID()
		require.NoError(t, err)
		require.NoError(t, store.DeleteDevice(alphaID))

		stack, _ := newTestStack(t, store, Options{})
		status, err := stack.Orchestrator().Initialize(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusNeedsRecovery, status)

		_, err = stack.Orchestrator().RecoverWithPassphrase(ctx, "wrong-passphrase-99", "x", "", nil)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.Equal(t, StatusNeedsRecovery, stack.Orchestrator().Status(),
			"a failed recovery leaves the state alone")
	})
}
