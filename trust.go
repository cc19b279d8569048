package e2ee

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/internal/crypto"
	"github.com/foxbiz/better-keep-sub001/internal/debug"
	"github.com/foxbiz/better-keep-sub001/internal/misc"
	"github.com/foxbiz/better-keep-sub001/keystore"
	"github.com/foxbiz/better-keep-sub001/persist"
)

// Logical keystore keys. The names are part of the on-device format:
// renaming one orphans the value a previous build wrote.
const (
	keyDevicePrivate    = "device_private_key"
	keyDevicePublic     = "device_public_key"
	keyDeviceID         = "device_id"
	keyCachedUMK        = "cached_umk"
	keyCachedStatus     = "cached_device_status"
	keyRememberDevice   = "remember_device"
	keySignInInProgress = "sign_in_in_progress"
)

// watchChangeBuffer is the capacity of the channels handed to watch
// consumers. A full buffer drops intermediate updates; the newest state
// always arrives eventually.
const watchChangeBuffer = 8

// DeviceChange is one update on a watched device record. Deleted marks
// the record's removal; Record is nil in that case.
type DeviceChange struct {
	Record  *DeviceRecord
	Deleted bool
}

// TrustManager implements the device-approval protocol: registration,
// approval, revocation, master-key wrapping and unwrapping, and the live
// feeds an approver or a waiting device consumes.
//
// One TrustManager serves one signed-in account. Remote state goes through
// the account-scoped persist.Store, local key material through the device
// keystore, and the plaintext master key through the shared session
// enclave.
type TrustManager struct {
	store   persist.Store
	keys    keystore.Store
	session *sessionKeys
	audit   audit.Logger
	options Options
	retry   RetryConfig
}

func newTrustManager(store persist.Store, keys keystore.Store, session *sessionKeys, auditLogger audit.Logger, options Options) *TrustManager {
	return &TrustManager{
		store:   store,
		keys:    keys,
		session: session,
		audit:   auditLogger,
		options: options,
		retry:   DefaultRetryConfig(),
	}
}

// CurrentDeviceID returns the device id this installation registered
// under, or ErrNotFound when the device never registered.
func (t *TrustManager) CurrentDeviceID() (string, error) {
	id, err := t.keys.Get(keyDeviceID)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return "", fmt.Errorf("device is not registered: %w", ErrNotFound)
		}
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return string(id), nil
}

// RegisterFirstDevice sets up the very first device of an account: it
// generates a device key pair and a fresh master key, wraps the key for
// this device against its own public key, and persists the record as
// approved. The remote write happens before any local secret is retained,
// so a crash mid-registration never leaves key material behind without a
// matching server record.
func (t *TrustManager) RegisterFirstDevice(ctx context.Context, name, platform string, details map[string]string) (*DeviceRecord, error) {
	devices, err := t.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.Approved() {
			err := fmt.Errorf("account already has an approved device: %w", ErrInvalidState)
			logAudit(t.audit, "register_first_device", err, map[string]interface{}{
				"existing_device_id": device.ID,
			})
			return nil, err
		}
	}

	umk, err := crypto.GenerateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	defer memguard.WipeBytes(umk)

	record, err := t.registerSelfWrapped(ctx, umk, name, platform, details)
	if err != nil {
		logAudit(t.audit, "register_first_device", err, map[string]interface{}{
			"device_name": name,
		})
		return nil, err
	}
	logAudit(t.audit, "register_first_device", nil, map[string]interface{}{
		"device_id":   record.ID,
		"device_name": name,
	})
	return record, nil
}

// registerSelfWrapped creates a brand-new approved device record whose
// wrap was produced with the device's own key pair, persists it remotely,
// and only then keeps the key material on this device. The caller retains
// ownership of umk.
func (t *TrustManager) registerSelfWrapped(ctx context.Context, umk []byte, name, platform string, details map[string]string) (*DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	publicKey, privateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key pair: %w", err)
	}
	defer memguard.WipeBytes(privateKey)

	shared, err := crypto.SharedSecret(privateKey, publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive self-wrap secret: %w", err)
	}
	defer memguard.WipeBytes(shared)

	nonce, wrapped, err := crypto.Encrypt(umk, shared)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}

	now := time.Now().UTC()
	record := &DeviceRecord{
		ID:              uuid.New().String(),
		Name:            name,
		Platform:        platform,
		PublicKey:       encodeB64(publicKey),
		WrappedUMK:      encodeB64(wrapped),
		WrappedUMKNonce: encodeB64(nonce),
		Status:          DeviceStatusApproved,
		CreatedAt:       now,
		ApprovedAt:      &now,
		DeviceDetails:   details,
	}
	data, err := encodeDeviceRecord(record)
	if err != nil {
		return nil, err
	}
	version, err := t.store.SaveDevice(record.ID, data, "")
	if err != nil {
		return nil, translateStoreErr("save device record", err)
	}
	record.Version = version

	// The remote write succeeded; only now keep secrets on this device.
	if err := t.persistLocalIdentity(record.ID, publicKey, privateKey); err != nil {
		return nil, err
	}
	if err := t.cacheMasterKey(umk); err != nil {
		return nil, err
	}
	return record, nil
}

// RegisterNewDevice registers this installation as a pending device
// awaiting approval. A pending record with the same name and platform is
// reused by rotating in the fresh public key, so a registration retried
// after a crash does not pile up duplicates.
func (t *TrustManager) RegisterNewDevice(ctx context.Context, name, platform string, details map[string]string) (*DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	publicKey, privateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key pair: %w", err)
	}
	defer memguard.WipeBytes(privateKey)

	var record *DeviceRecord
	var reused bool
	err = withRetry(t.retry, "register device", func() error {
		existing, err := t.findPendingByName(ctx, name, platform)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.PublicKey = encodeB64(publicKey)
			if details != nil {
				existing.DeviceDetails = details
			}
			record = existing
			reused = true
		} else {
			record = &DeviceRecord{
				ID:            uuid.New().String(),
				Name:          name,
				Platform:      platform,
				PublicKey:     encodeB64(publicKey),
				Status:        DeviceStatusPending,
				CreatedAt:     time.Now().UTC(),
				DeviceDetails: details,
			}
			reused = false
		}
		return t.saveDeviceCAS(record)
	})
	if err != nil {
		logAudit(t.audit, "register_device", err, map[string]interface{}{
			"device_name": name,
		})
		return nil, err
	}

	if err := t.persistLocalIdentity(record.ID, publicKey, privateKey); err != nil {
		return nil, err
	}
	if err := t.keys.Set(keyCachedStatus, []byte(DeviceStatusPending)); err != nil {
		return nil, fmt.Errorf("failed to cache device status: %w", err)
	}

	logAudit(t.audit, "register_device", nil, map[string]interface{}{
		"device_id":   record.ID,
		"device_name": name,
		"reused":      reused,
	})
	return record, nil
}

// ApproveDevice wraps the account master key for a pending device. The
// wrap key is the ECDH shared secret between the caller's private key and
// the target's public key, so only the target's private key can open it.
func (t *TrustManager) ApproveDevice(ctx context.Context, pendingID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.session.hasUMK() {
		err := fmt.Errorf("approving a device requires the unwrapped master key: %w", ErrNotAuthorized)
		logAudit(t.audit, "approve_device", err, map[string]interface{}{"device_id": pendingID})
		return err
	}
	if err := t.requireMasterPolicy(ctx); err != nil {
		logAudit(t.audit, "approve_device", err, map[string]interface{}{"device_id": pendingID})
		return err
	}
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return err
	}
	if pendingID == ownID {
		err := fmt.Errorf("a device cannot approve itself: %w", ErrInvalidState)
		logAudit(t.audit, "approve_device", err, map[string]interface{}{"device_id": pendingID})
		return err
	}

	privateKey, err := t.keys.Get(keyDevicePrivate)
	if err != nil {
		return fmt.Errorf("failed to read device private key: %w", err)
	}
	defer memguard.WipeBytes(privateKey)
	ownPublic, err := t.keys.Get(keyDevicePublic)
	if err != nil {
		return fmt.Errorf("failed to read device public key: %w", err)
	}

	err = withRetry(t.retry, "approve device", func() error {
		record, err := t.loadDevice(pendingID)
		if err != nil {
			return err
		}
		if !record.Pending() {
			return fmt.Errorf("device %s is %s, not pending: %w", pendingID, record.Status, ErrInvalidState)
		}
		targetPublic, err := decodeB64("target public key", record.PublicKey)
		if err != nil {
			return err
		}
		shared, err := crypto.SharedSecret(privateKey, targetPublic)
		if err != nil {
			return fmt.Errorf("failed to derive wrap secret for device %s: %w", pendingID, err)
		}
		defer memguard.WipeBytes(shared)

		umkBuf, err := t.session.openUMK()
		if err != nil {
			return err
		}
		defer umkBuf.Destroy()
		nonce, wrapped, err := crypto.Encrypt(umkBuf.Bytes(), shared)
		if err != nil {
			return fmt.Errorf("failed to wrap master key for device %s: %w", pendingID, err)
		}

		now := time.Now().UTC()
		record.WrappedUMK = encodeB64(wrapped)
		record.WrappedUMKNonce = encodeB64(nonce)
		record.ApprovedByPublicKey = encodeB64(ownPublic)
		record.Status = DeviceStatusApproved
		record.ApprovedAt = &now
		record.RevokedAt = nil
		return t.saveDeviceCAS(record)
	})
	logAudit(t.audit, "approve_device", err, map[string]interface{}{
		"device_id":   pendingID,
		"approved_by": ownID,
	})
	return err
}

// UnwrapUserKey recovers the plaintext master key from this device's
// approved record. A record approved by another device names that
// approver's public key; the shared secret is then ECDH(own private,
// approver public). Self-wrapped records fall back to the device's own
// public key. On success the key is cached in the session enclave and the
// keystore, so the next launch can start optimistically.
func (t *TrustManager) UnwrapUserKey(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return err
	}
	record, err := t.loadDevice(ownID)
	if err != nil {
		logAudit(t.audit, "unwrap_umk", err, map[string]interface{}{"device_id": ownID})
		return err
	}
	if !record.Approved() {
		err := fmt.Errorf("device %s is %s, not approved: %w", ownID, record.Status, ErrInvalidState)
		logAudit(t.audit, "unwrap_umk", err, map[string]interface{}{"device_id": ownID})
		return err
	}

	wrapped, err := decodeB64("wrapped master key", record.WrappedUMK)
	if err != nil {
		return err
	}
	nonce, err := decodeB64("wrap nonce", record.WrappedUMKNonce)
	if err != nil {
		return err
	}
	peer := record.ApprovedByPublicKey
	if peer == "" {
		peer = record.PublicKey
	}
	peerPublic, err := decodeB64("approver public key", peer)
	if err != nil {
		return err
	}

	privateKey, err := t.keys.Get(keyDevicePrivate)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return fmt.Errorf("device private key is missing: %w", ErrNotFound)
		}
		return fmt.Errorf("failed to read device private key: %w", err)
	}
	defer memguard.WipeBytes(privateKey)

	shared, err := crypto.SharedSecret(privateKey, peerPublic)
	if err != nil {
		return fmt.Errorf("failed to derive unwrap secret: %w", err)
	}
	defer memguard.WipeBytes(shared)

	umk, err := crypto.Decrypt(wrapped, nonce, shared)
	if err != nil {
		err = translateCryptoErr("unwrap master key", err)
		logAudit(t.audit, "unwrap_umk", err, map[string]interface{}{"device_id": ownID})
		return err
	}
	defer memguard.WipeBytes(umk)
	if len(umk) != misc.KeySize {
		err := fmt.Errorf("unwrapped master key has %d bytes, want %d", len(umk), misc.KeySize)
		logAudit(t.audit, "unwrap_umk", err, map[string]interface{}{"device_id": ownID})
		return err
	}

	if err := t.cacheMasterKey(umk); err != nil {
		return err
	}
	logAudit(t.audit, "unwrap_umk", nil, map[string]interface{}{"device_id": ownID})
	return nil
}

// RevokeDevice removes a device's record outright. The wrapped key inside
// the record dies with it; the revoked device can only come back through a
// fresh approval or a recovery. Self-revocation is rejected; signing out
// is the path for retiring the current device.
func (t *TrustManager) RevokeDevice(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.session.hasUMK() {
		err := fmt.Errorf("revoking a device requires the unwrapped master key: %w", ErrNotAuthorized)
		logAudit(t.audit, "revoke_device", err, map[string]interface{}{"device_id": deviceID})
		return err
	}
	if err := t.requireMasterPolicy(ctx); err != nil {
		logAudit(t.audit, "revoke_device", err, map[string]interface{}{"device_id": deviceID})
		return err
	}
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return err
	}
	if deviceID == ownID {
		err := fmt.Errorf("a device cannot revoke itself: %w", ErrInvalidState)
		logAudit(t.audit, "revoke_device", err, map[string]interface{}{"device_id": deviceID})
		return err
	}

	// Load first so a mistyped id surfaces as ErrNotFound instead of a
	// silent no-op delete.
	if _, err := t.loadDevice(deviceID); err != nil {
		logAudit(t.audit, "revoke_device", err, map[string]interface{}{"device_id": deviceID})
		return err
	}
	if err := t.store.DeleteDevice(deviceID); err != nil {
		err = translateStoreErr("delete device record", err)
		logAudit(t.audit, "revoke_device", err, map[string]interface{}{"device_id": deviceID})
		return err
	}

	logAudit(t.audit, "revoke_device", nil, map[string]interface{}{
		"device_id":  deviceID,
		"revoked_by": ownID,
	})
	return nil
}

// ResetDeviceToPending clears a device's wrap fields and returns it to the
// approval queue without deleting its history.
func (t *TrustManager) ResetDeviceToPending(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := withRetry(t.retry, "reset device", func() error {
		record, err := t.loadDevice(deviceID)
		if err != nil {
			return err
		}
		record.resetToPending()
		return t.saveDeviceCAS(record)
	})
	logAudit(t.audit, "reset_device", err, map[string]interface{}{"device_id": deviceID})
	return err
}

// RequestReapproval puts this device back into the approval queue after it
// was revoked or its record deleted. An existing record is reset in place;
// a deleted one is re-created as pending under the same id and public key.
// Local key caches are dropped, since whatever they hold no longer grants
// access.
func (t *TrustManager) RequestReapproval(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return err
	}
	publicKey, err := t.keys.Get(keyDevicePublic)
	if err != nil {
		return fmt.Errorf("failed to read device public key: %w", err)
	}

	err = withRetry(t.retry, "request reapproval", func() error {
		record, err := t.loadDevice(ownID)
		switch {
		case errors.Is(err, ErrNotFound):
			record = &DeviceRecord{
				ID:        ownID,
				PublicKey: encodeB64(publicKey),
				Status:    DeviceStatusPending,
				CreatedAt: time.Now().UTC(),
			}
		case err != nil:
			return err
		default:
			record.resetToPending()
			record.PublicKey = encodeB64(publicKey)
		}
		return t.saveDeviceCAS(record)
	})
	if err != nil {
		logAudit(t.audit, "request_reapproval", err, map[string]interface{}{"device_id": ownID})
		return err
	}

	t.session.clear()
	if err := t.keys.Delete(keyCachedUMK); err != nil {
		return fmt.Errorf("failed to drop cached master key: %w", err)
	}
	if err := t.keys.Set(keyCachedStatus, []byte(DeviceStatusPending)); err != nil {
		return fmt.Errorf("failed to cache device status: %w", err)
	}

	logAudit(t.audit, "request_reapproval", nil, map[string]interface{}{"device_id": ownID})
	return nil
}

// MasterDeviceID returns the id of the account's master device: the
// approved device with the earliest approval time, falling back to
// creation time for records that predate approval timestamps.
func (t *TrustManager) MasterDeviceID(ctx context.Context) (string, error) {
	devices, err := t.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	var master *DeviceRecord
	for _, device := range devices {
		if !device.Approved() {
			continue
		}
		if master == nil || device.approvalTime().Before(master.approvalTime()) {
			master = device
		}
	}
	if master == nil {
		return "", fmt.Errorf("account has no approved devices: %w", ErrNotFound)
	}
	return master.ID, nil
}

// IsMasterDevice reports whether this device is the account's trust
// anchor.
func (t *TrustManager) IsMasterDevice(ctx context.Context) (bool, error) {
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return false, err
	}
	masterID, err := t.MasterDeviceID(ctx)
	if err != nil {
		return false, err
	}
	return ownID == masterID, nil
}

// SetCurrentDeviceAsPrimary demotes every other device in one batched
// write: other approved devices are deleted outright and other pending
// registrations discarded. Used after a passphrase recovery to make the
// recovered device the only trust anchor.
func (t *TrustManager) SetCurrentDeviceAsPrimary(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.session.hasUMK() {
		err := fmt.Errorf("demoting other devices requires the unwrapped master key: %w", ErrNotAuthorized)
		logAudit(t.audit, "set_primary_device", err, nil)
		return err
	}
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return err
	}
	devices, err := t.ListDevices(ctx)
	if err != nil {
		return err
	}

	ops := make([]persist.BatchOp, 0, len(devices))
	removed := make([]string, 0, len(devices))
	for _, device := range devices {
		if device.ID == ownID {
			continue
		}
		ops = append(ops, persist.BatchOp{Kind: persist.BatchDelete, DeviceID: device.ID})
		removed = append(removed, device.ID)
	}
	if len(ops) > 0 {
		if err := t.store.ApplyDeviceBatch(ops); err != nil {
			err = translateStoreErr("demote other devices", err)
			logAudit(t.audit, "set_primary_device", err, map[string]interface{}{"device_id": ownID})
			return err
		}
	}

	logAudit(t.audit, "set_primary_device", nil, map[string]interface{}{
		"device_id":   ownID,
		"removed":     len(removed),
		"removed_ids": strings.Join(removed, ","),
	})
	return nil
}

// ListDevices returns every device record of the account, ordered by
// creation time.
func (t *TrustManager) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := t.store.ListDevices()
	if err != nil {
		return nil, translateStoreErr("list devices", err)
	}
	records := make([]*DeviceRecord, 0, len(docs))
	for _, doc := range docs {
		record, err := decodeDeviceRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// PendingDevices returns the devices currently awaiting approval.
func (t *TrustManager) PendingDevices(ctx context.Context) ([]*DeviceRecord, error) {
	devices, err := t.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]*DeviceRecord, 0, len(devices))
	for _, device := range devices {
		if device.Pending() {
			pending = append(pending, device)
		}
	}
	return pending, nil
}

// WatchOwnDevice reports changes to this device's own record: approvals,
// revocations, resets and deletion. Store pushes drive the feed; while the
// record is still pending an additional low-frequency poll covers backends
// whose pushes can drop events. The channel closes when ctx ends.
func (t *TrustManager) WatchOwnDevice(ctx context.Context) (<-chan DeviceChange, error) {
	ownID, err := t.CurrentDeviceID()
	if err != nil {
		return nil, err
	}
	events, err := t.store.WatchDevice(ctx, ownID)
	if err != nil {
		return nil, translateStoreErr("watch device record", err)
	}
	changes := make(chan DeviceChange, watchChangeBuffer)
	go t.forwardOwnChanges(ctx, ownID, events, changes)
	return changes, nil
}

func (t *TrustManager) forwardOwnChanges(ctx context.Context, ownID string, events <-chan persist.DeviceEvent, changes chan<- DeviceChange) {
	defer close(changes)

	interval := t.options.ApprovalPollInterval
	if interval <= 0 {
		interval = defaultApprovalPollInterval
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()

	var lastStatus DeviceStatus
	if cached, err := t.keys.Get(keyCachedStatus); err == nil {
		lastStatus = DeviceStatus(cached)
	}

	deliver := func(change DeviceChange) bool {
		select {
		case changes <- change:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == persist.EventDelete {
				lastStatus = ""
				if !deliver(DeviceChange{Deleted: true}) {
					return
				}
				continue
			}
			record, err := decodeDeviceRecord(event.Doc)
			if err != nil {
				debug.Print("own-device watch: %v\n", err)
				continue
			}
			lastStatus = record.Status
			if !deliver(DeviceChange{Record: record}) {
				return
			}

		case <-poll.C:
			// The poll only backs up the push feed while we await an
			// answer; any other state is driven by pushes alone.
			if lastStatus != DeviceStatusPending {
				continue
			}
			record, err := t.loadDevice(ownID)
			if errors.Is(err, ErrNotFound) {
				lastStatus = ""
				if !deliver(DeviceChange{Deleted: true}) {
					return
				}
				continue
			}
			if err != nil {
				debug.Print("own-device poll: %v\n", err)
				continue
			}
			if record.Status == lastStatus {
				continue
			}
			lastStatus = record.Status
			if !deliver(DeviceChange{Record: record}) {
				return
			}
		}
	}
}

// WatchPending emits the account's pending-device list whenever the device
// collection changes, starting with the current list. Approvers use it to
// drive their approval queue. The channel closes when ctx ends.
func (t *TrustManager) WatchPending(ctx context.Context) (<-chan []*DeviceRecord, error) {
	events, err := t.store.WatchDevices(ctx)
	if err != nil {
		return nil, translateStoreErr("watch device records", err)
	}
	updates := make(chan []*DeviceRecord, watchChangeBuffer)
	go t.forwardPending(ctx, events, updates)
	return updates, nil
}

func (t *TrustManager) forwardPending(ctx context.Context, events <-chan persist.DeviceEvent, updates chan<- []*DeviceRecord) {
	defer close(updates)

	var lastSig string
	first := true
	send := func() bool {
		pending, err := t.PendingDevices(ctx)
		if err != nil {
			// Transient store trouble; keep the watch alive.
			debug.Print("pending watch: %v\n", err)
			return true
		}
		sig := pendingSignature(pending)
		if !first && sig == lastSig {
			return true
		}
		first = false
		lastSig = sig
		select {
		case updates <- pending:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if !send() {
				return
			}
		}
	}
}

func pendingSignature(records []*DeviceRecord) string {
	parts := make([]string, len(records))
	for i, record := range records {
		parts[i] = record.ID + ":" + record.Version
	}
	return strings.Join(parts, "|")
}

// requireMasterPolicy rejects the call when master-device policy is
// enabled and this device is not the earliest-approved one. The check is
// policy only; any device holding the master key could perform the wrap.
func (t *TrustManager) requireMasterPolicy(ctx context.Context) error {
	if !t.options.EnforceMasterPolicy {
		return nil
	}
	master, err := t.IsMasterDevice(ctx)
	if err != nil {
		return err
	}
	if !master {
		return fmt.Errorf("master device policy is enforced and this device is not the master: %w", ErrNotAuthorized)
	}
	return nil
}

func (t *TrustManager) loadDevice(deviceID string) (*DeviceRecord, error) {
	doc, err := t.store.LoadDevice(deviceID)
	if err != nil {
		return nil, translateStoreErr(fmt.Sprintf("load device %s", deviceID), err)
	}
	return decodeDeviceRecord(doc)
}

// saveDeviceCAS writes a device record at its expected version. A
// concurrency conflict comes back untranslated so retry loops can
// recognize it; every other failure is mapped onto the taxonomy.
func (t *TrustManager) saveDeviceCAS(record *DeviceRecord) error {
	data, err := encodeDeviceRecord(record)
	if err != nil {
		return err
	}
	version, err := t.store.SaveDevice(record.ID, data, record.Version)
	if err != nil {
		var conflict persist.ConcurrencyError
		if errors.As(err, &conflict) {
			return err
		}
		return translateStoreErr("save device record", err)
	}
	record.Version = version
	return nil
}

func (t *TrustManager) findPendingByName(ctx context.Context, name, platform string) (*DeviceRecord, error) {
	devices, err := t.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.Pending() && device.Name == name && device.Platform == platform {
			return device, nil
		}
	}
	return nil, nil
}

func (t *TrustManager) persistLocalIdentity(deviceID string, publicKey, privateKey []byte) error {
	if err := t.keys.Set(keyDevicePrivate, privateKey); err != nil {
		return fmt.Errorf("failed to store device private key: %w", err)
	}
	if err := t.keys.Set(keyDevicePublic, publicKey); err != nil {
		return fmt.Errorf("failed to store device public key: %w", err)
	}
	if err := t.keys.Set(keyDeviceID, []byte(deviceID)); err != nil {
		return fmt.Errorf("failed to store device id: %w", err)
	}
	return nil
}

// cacheMasterKey caches the plaintext master key for this session and the
// approved status for the next launch. The keystore write happens before
// the enclave seal because sealing wipes its input slice.
func (t *TrustManager) cacheMasterKey(umk []byte) error {
	if err := t.keys.Set(keyCachedUMK, umk); err != nil {
		return fmt.Errorf("failed to cache master key: %w", err)
	}
	if err := t.keys.Set(keyCachedStatus, []byte(DeviceStatusApproved)); err != nil {
		return fmt.Errorf("failed to cache device status: %w", err)
	}
	sealed := make([]byte, len(umk))
	copy(sealed, umk)
	t.session.setUMK(sealed)
	return nil
}
