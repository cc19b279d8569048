package e2ee

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/internal/debug"
	"github.com/foxbiz/better-keep-sub001/internal/misc"
	"github.com/foxbiz/better-keep-sub001/keystore"
	"github.com/foxbiz/better-keep-sub001/persist"
)

// Status is the custody state of this device within its account.
type Status string

const (
	// StatusNotInitialized means Initialize has not run, or the user
	// signed out.
	StatusNotInitialized Status = "not_initialized"

	// StatusNotSetUp means this device holds no local identity and no
	// registration was attempted: the account needs either a first-device
	// setup or an explicit registration with a device name.
	StatusNotSetUp Status = "not_set_up"

	// StatusPendingApproval means this device registered and is waiting
	// for an approved device to wrap the master key for it.
	StatusPendingApproval Status = "pending_approval"

	// StatusRevoked means this device's access was revoked by another
	// device. Re-approval or recovery is required.
	StatusRevoked Status = "revoked"

	// StatusNeedsRecovery means account key material exists but no
	// approved device can grant access; the recovery passphrase, or a
	// fresh start, is the way back in.
	StatusNeedsRecovery Status = "needs_recovery"

	// StatusReady means the master key is unwrapped and content
	// operations are available.
	StatusReady Status = "ready"

	// StatusVerifying means the device started optimistically from its
	// cached key while its record is re-checked in the background. It is
	// usable like StatusReady.
	StatusVerifying Status = "verifying"

	// StatusError means initialization hit an unrecoverable error.
	StatusError Status = "error"
)

// Usable reports whether content can be encrypted and decrypted in this
// state.
func (s Status) Usable() bool {
	return s == StatusReady || s == StatusVerifying
}

// Orchestrator drives the device through its custody lifecycle: deciding
// the state on startup, reacting to approvals and revocations pushed from
// the store, and running sign-out and fresh-start transitions. All state
// changes flow through one place so watchers observe every transition.
type Orchestrator struct {
	trust    *TrustManager
	recovery *RecoveryManager
	store    persist.Store
	keys     keystore.Store
	session  *sessionKeys
	identity Identity
	audit    audit.Logger
	options  Options

	mu       sync.RWMutex
	status   Status
	watchers map[int]chan Status
	nextID   int

	background sync.WaitGroup
	bgCtx      context.Context
	cancel     context.CancelFunc
	draining   bool
}

func newOrchestrator(trust *TrustManager, recovery *RecoveryManager, store persist.Store, keys keystore.Store, session *sessionKeys, identity Identity, auditLogger audit.Logger, options Options) *Orchestrator {
	return &Orchestrator{
		trust:    trust,
		recovery: recovery,
		store:    store,
		keys:     keys,
		session:  session,
		identity: identity,
		audit:    auditLogger,
		options:  options,
		status:   StatusNotInitialized,
		watchers: make(map[int]chan Status),
	}
}

// Status returns the current custody state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Usable reports whether content operations are available right now.
func (o *Orchestrator) Usable() bool {
	return o.Status().Usable()
}

// WatchStatus delivers the current status immediately and every transition
// after it. A watcher that falls behind misses intermediate states, never
// the newest one. The channel closes when ctx ends.
func (o *Orchestrator) WatchStatus(ctx context.Context) <-chan Status {
	ch := make(chan Status, watchChangeBuffer)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = ch
	ch <- o.status
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.watchers, id)
		close(ch)
		o.mu.Unlock()
	}()
	return ch
}

// Initialize determines this device's custody state and brings the
// subsystem into it. A device with a cached approval starts optimistically
// in StatusVerifying and re-checks its record in the background; everyone
// else walks the decision ladder synchronously. Safe to call again after a
// sign-out.
func (o *Orchestrator) Initialize(ctx context.Context) (Status, error) {
	o.teardown()

	if o.cachedApproved() && o.adoptCachedKey() {
		o.setStatus(StatusVerifying)
		o.launch(o.verifyCached)
		return StatusVerifying, nil
	}

	status, err := o.determine(ctx)
	if err != nil {
		o.setStatus(StatusError)
		return StatusError, err
	}
	o.setStatus(status)
	if status == StatusPendingApproval {
		o.startApprovalWatch()
	}
	return status, nil
}

// cachedApproved reports whether the keystore carries an approved status
// from a previous session. An interrupted sign-in poisons the cache: the
// optimistic path is skipped and the flag cleared.
func (o *Orchestrator) cachedApproved() bool {
	if _, err := o.keys.Get(keySignInInProgress); err == nil {
		debug.Print("initialize: previous sign-in never completed, ignoring cached state\n")
		if err := o.keys.Delete(keySignInInProgress); err != nil {
			debug.Print("initialize: could not clear sign-in flag: %v\n", err)
		}
		return false
	}
	cached, err := o.keys.Get(keyCachedStatus)
	if err != nil {
		return false
	}
	return DeviceStatus(cached) == DeviceStatusApproved
}

// adoptCachedKey moves the cached master key into the session enclave.
func (o *Orchestrator) adoptCachedKey() bool {
	raw, err := o.keys.Get(keyCachedUMK)
	if err != nil {
		return false
	}
	if len(raw) != misc.KeySize {
		memguard.WipeBytes(raw)
		return false
	}
	o.session.setUMK(raw)
	return true
}

// determine walks the decision ladder for a device without a trusted
// cache: local identity first, then the remote record, then the shape of
// the account.
func (o *Orchestrator) determine(ctx context.Context) (Status, error) {
	ownID, err := o.trust.CurrentDeviceID()
	if errors.Is(err, ErrNotFound) {
		return o.determineFresh(ctx)
	}
	if err != nil {
		return StatusError, err
	}

	record, err := o.trust.loadDevice(ownID)
	if errors.Is(err, ErrNotFound) {
		// Local keys with no remote record are orphaned key material.
		if err := o.purgeLocal(); err != nil {
			return StatusError, err
		}
		return o.determineFresh(ctx)
	}
	if err != nil {
		return StatusError, err
	}

	switch record.Status {
	case DeviceStatusRevoked:
		o.session.clear()
		o.dropCachedKey(DeviceStatusRevoked)
		return StatusRevoked, nil
	case DeviceStatusPending:
		if err := o.keys.Set(keyCachedStatus, []byte(DeviceStatusPending)); err != nil {
			return StatusError, fmt.Errorf("failed to cache device status: %w", err)
		}
		return StatusPendingApproval, nil
	case DeviceStatusApproved:
		if err := o.trust.UnwrapUserKey(ctx); err != nil {
			return StatusError, err
		}
		return StatusReady, nil
	default:
		return StatusError, fmt.Errorf("device %s has unknown status %q", ownID, record.Status)
	}
}

// determineFresh decides what a device with no usable local identity
// should do, from the shape of the account: set up from scratch, join the
// approval queue, or fall back to recovery. Registration is attempted only
// when the options name this device; otherwise the decision is surfaced as
// a status and the caller registers explicitly.
func (o *Orchestrator) determineFresh(ctx context.Context) (Status, error) {
	devices, err := o.trust.ListDevices(ctx)
	if err != nil {
		return StatusError, err
	}
	hasRecovery, err := o.recovery.HasRecoveryKey(ctx)
	if err != nil {
		return StatusError, err
	}
	approved := 0
	for _, device := range devices {
		if device.Approved() {
			approved++
		}
	}

	switch {
	case approved > 0:
		if o.options.DeviceName == "" {
			return StatusNotSetUp, nil
		}
		if _, err := o.trust.RegisterNewDevice(ctx, o.options.DeviceName, o.options.DevicePlatform, o.options.DeviceDetails); err != nil {
			return StatusError, err
		}
		return StatusPendingApproval, nil

	case len(devices) == 0 && !hasRecovery:
		if o.options.DeviceName == "" {
			return StatusNotSetUp, nil
		}
		if _, err := o.trust.RegisterFirstDevice(ctx, o.options.DeviceName, o.options.DevicePlatform, o.options.DeviceDetails); err != nil {
			return StatusError, err
		}
		return StatusReady, nil

	default:
		// Key material exists but no approved device is left to let us
		// in: only the recovery passphrase, or a fresh start, helps.
		return StatusNeedsRecovery, nil
	}
}

// verifyCached re-checks this device's record behind the optimistic
// StatusVerifying start. Only a hard denial downgrades the session; not
// being able to reach the store never does, otherwise offline devices
// would lose access to their own data.
func (o *Orchestrator) verifyCached(ctx context.Context) {
	ownID, err := o.trust.CurrentDeviceID()
	if err != nil {
		o.hardDowngrade(ctx)
		return
	}

	record, err := o.trust.loadDevice(ownID)
	switch {
	case errors.Is(err, ErrConnectivity):
		debug.Print("background verify: store unreachable, staying optimistic: %v\n", err)
		return
	case errors.Is(err, ErrNotFound):
		o.hardDowngrade(ctx)
		return
	case err != nil:
		debug.Print("background verify: %v\n", err)
		return
	}

	switch record.Status {
	case DeviceStatusApproved:
		o.transition(StatusVerifying, StatusReady)
	case DeviceStatusPending:
		o.session.clear()
		o.dropCachedKey(DeviceStatusPending)
		o.setStatus(StatusPendingApproval)
		o.startApprovalWatch()
	case DeviceStatusRevoked:
		o.session.clear()
		o.dropCachedKey(DeviceStatusRevoked)
		o.setStatus(StatusRevoked)
	}
}

// hardDowngrade handles a background verify that found no record for this
// device: the optimistic session is torn down and the decision ladder
// re-runs from the fresh-device rung.
func (o *Orchestrator) hardDowngrade(ctx context.Context) {
	if err := o.purgeLocal(); err != nil {
		debug.Print("background verify: purge failed: %v\n", err)
		o.setStatus(StatusError)
		return
	}
	status, err := o.determineFresh(ctx)
	if err != nil {
		debug.Print("background verify: %v\n", err)
		o.setStatus(StatusError)
		return
	}
	o.setStatus(status)
	if status == StatusPendingApproval {
		o.startApprovalWatch()
	}
}

func (o *Orchestrator) startApprovalWatch() {
	o.launch(func(ctx context.Context) {
		changes, err := o.trust.WatchOwnDevice(ctx)
		if err != nil {
			debug.Print("approval watch: %v\n", err)
			return
		}
		o.followApproval(ctx, changes)
	})
}

// followApproval waits on the own-device feed until the pending request is
// answered one way or the other.
func (o *Orchestrator) followApproval(ctx context.Context, changes <-chan DeviceChange) {
	for change := range changes {
		switch {
		case change.Deleted:
			o.session.clear()
			o.dropCachedKey(DeviceStatusRevoked)
			o.setStatus(StatusRevoked)
			return

		case change.Record.Approved():
			if err := o.trust.UnwrapUserKey(ctx); err != nil {
				debug.Print("approval watch: unwrap failed: %v\n", err)
				o.setStatus(StatusError)
				return
			}
			o.setStatus(StatusReady)
			return

		case change.Record.Status == DeviceStatusRevoked:
			o.session.clear()
			o.dropCachedKey(DeviceStatusRevoked)
			o.setStatus(StatusRevoked)
			return
		}
	}
}

// StartFresh abandons the existing account key material and sets this
// device up as the first device of a clean slate. Every prior device
// record and the recovery key are deleted; content sealed under the old
// master key becomes permanently unreadable. Only reachable from the
// states where the account is already inaccessible.
func (o *Orchestrator) StartFresh(ctx context.Context, name, platform string, details map[string]string) (*DeviceRecord, error) {
	current := o.Status()
	if current != StatusNotSetUp && current != StatusNeedsRecovery {
		err := fmt.Errorf("start fresh is not available in state %s: %w", current, ErrInvalidState)
		logAudit(o.audit, "start_fresh", err, nil)
		return nil, err
	}
	o.teardown()

	devices, err := o.trust.ListDevices(ctx)
	if err != nil {
		logAudit(o.audit, "start_fresh", err, nil)
		return nil, err
	}
	if len(devices) > 0 {
		ops := make([]persist.BatchOp, 0, len(devices))
		for _, device := range devices {
			ops = append(ops, persist.BatchOp{Kind: persist.BatchDelete, DeviceID: device.ID})
		}
		if err := o.store.ApplyDeviceBatch(ops); err != nil {
			err = translateStoreErr("remove previous devices", err)
			logAudit(o.audit, "start_fresh", err, nil)
			return nil, err
		}
	}
	if err := o.store.DeleteRecoveryKey(); err != nil {
		err = translateStoreErr("remove previous recovery key", err)
		logAudit(o.audit, "start_fresh", err, nil)
		return nil, err
	}
	if err := o.purgeLocal(); err != nil {
		return nil, err
	}

	if name == "" {
		name = o.options.DeviceName
	}
	if platform == "" {
		platform = o.options.DevicePlatform
	}
	device, err := o.trust.RegisterFirstDevice(ctx, name, platform, details)
	if err != nil {
		logAudit(o.audit, "start_fresh", err, nil)
		return nil, err
	}

	o.setStatus(StatusReady)
	logAudit(o.audit, "start_fresh", nil, map[string]interface{}{
		"device_id":       device.ID,
		"removed_devices": len(devices),
	})
	return device, nil
}

// RecoverWithPassphrase runs a passphrase recovery and moves the device to
// StatusReady. Unless the options opt out, every other device is demoted
// afterwards so the recovered device becomes the only trust anchor.
func (o *Orchestrator) RecoverWithPassphrase(ctx context.Context, passphrase, name, platform string, details map[string]string) (*DeviceRecord, error) {
	o.teardown()

	if name == "" {
		name = o.options.DeviceName
	}
	if platform == "" {
		platform = o.options.DevicePlatform
	}
	device, err := o.recovery.Recover(ctx, passphrase, name, platform, details)
	if err != nil {
		return nil, err
	}
	o.setStatus(StatusReady)

	if !o.options.SkipPrimaryOnRecovery {
		if err := o.trust.SetCurrentDeviceAsPrimary(ctx); err != nil {
			return device, fmt.Errorf("recovered, but demoting other devices failed: %w", err)
		}
	}
	return device, nil
}

// Logout tears down the session for a user sign-out. With the remember
// flag set the device identity survives for a cheap next sign-in and only
// the cached key material is dropped; without it every local secret is
// destroyed and the next sign-in starts from a blank device.
func (o *Orchestrator) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.teardown()

	remember := o.RememberDevice()
	if remember {
		for _, key := range []string{keyCachedUMK, keyCachedStatus, keySignInInProgress} {
			if err := o.keys.Delete(key); err != nil {
				return fmt.Errorf("failed to drop %s: %w", key, err)
			}
		}
	} else {
		if err := o.keys.Purge(); err != nil {
			return fmt.Errorf("failed to purge device keystore: %w", err)
		}
	}
	o.session.clear()

	var signOutErr error
	if err := o.identity.SignOut(); err != nil {
		signOutErr = fmt.Errorf("failed to sign out: %w", err)
	}
	o.setStatus(StatusNotInitialized)
	logAudit(o.audit, "logout", signOutErr, map[string]interface{}{
		"remember_device": remember,
	})
	return signOutErr
}

// RememberDevice reports whether the device identity should survive
// sign-out.
func (o *Orchestrator) RememberDevice() bool {
	value, err := o.keys.Get(keyRememberDevice)
	return err == nil && string(value) == "true"
}

// SetRememberDevice records whether sign-out keeps the device identity.
func (o *Orchestrator) SetRememberDevice(remember bool) error {
	if remember {
		return o.keys.Set(keyRememberDevice, []byte("true"))
	}
	return o.keys.Delete(keyRememberDevice)
}

// BeginSignIn marks a sign-in as in progress. If the process dies before
// FinishSignIn, the next Initialize refuses the optimistic cached start.
func (o *Orchestrator) BeginSignIn() error {
	return o.keys.Set(keySignInInProgress, []byte("true"))
}

// FinishSignIn clears the in-progress sign-in marker.
func (o *Orchestrator) FinishSignIn() error {
	return o.keys.Delete(keySignInInProgress)
}

// setStatus publishes a transition. Watcher sends happen under the mutex
// so a concurrent unsubscribe cannot close a channel mid-send; a slow
// watcher drops the update rather than stalling the transition.
func (o *Orchestrator) setStatus(next Status) {
	o.mu.Lock()
	prev := o.status
	if prev == next {
		o.mu.Unlock()
		return
	}
	o.status = next
	for _, ch := range o.watchers {
		select {
		case ch <- next:
		default:
		}
	}
	o.mu.Unlock()
	o.auditTransition(prev, next)
}

// transition is the compare-and-swap form of setStatus, for background
// work that must not clobber a state the foreground moved on to.
func (o *Orchestrator) transition(from, to Status) bool {
	o.mu.Lock()
	if o.status != from {
		o.mu.Unlock()
		return false
	}
	o.status = to
	for _, ch := range o.watchers {
		select {
		case ch <- to:
		default:
		}
	}
	o.mu.Unlock()
	o.auditTransition(from, to)
	return true
}

func (o *Orchestrator) auditTransition(prev, next Status) {
	logAudit(o.audit, "status_change", nil, map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	})
}

// launch starts a background task bound to the orchestrator's lifecycle
// context. Launches during teardown are refused.
func (o *Orchestrator) launch(fn func(context.Context)) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	if o.bgCtx == nil {
		o.bgCtx, o.cancel = context.WithCancel(context.Background())
	}
	ctx := o.bgCtx
	o.background.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.background.Done()
		fn(ctx)
	}()
}

// teardown cancels background work and waits for it to drain. Idempotent.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	o.draining = true
	cancel := o.cancel
	o.cancel = nil
	o.bgCtx = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.background.Wait()

	o.mu.Lock()
	o.draining = false
	o.mu.Unlock()
}

// purgeLocal destroys every locally held secret: the session enclave and
// the whole device keystore.
func (o *Orchestrator) purgeLocal() error {
	o.session.clear()
	if err := o.keys.Purge(); err != nil {
		return fmt.Errorf("failed to purge device keystore: %w", err)
	}
	return nil
}

// dropCachedKey removes the cached master key and records the given status
// for the next launch. Failures are logged, not fatal: the session state
// already changed and must win.
func (o *Orchestrator) dropCachedKey(status DeviceStatus) {
	if err := o.keys.Delete(keyCachedUMK); err != nil {
		debug.Print("could not drop cached master key: %v\n", err)
	}
	if err := o.keys.Set(keyCachedStatus, []byte(status)); err != nil {
		debug.Print("could not cache device status: %v\n", err)
	}
}
