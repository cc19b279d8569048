package e2ee

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/internal/crypto"
	"github.com/foxbiz/better-keep-sub001/internal/debug"
	"github.com/foxbiz/better-keep-sub001/internal/misc"
	"github.com/foxbiz/better-keep-sub001/persist"
)

// recoveryBundlePrefix tags exported recovery bundles so a pasted string
// can be recognized before decoding. The tag encodes the format version.
const recoveryBundlePrefix = "e2eerk.v1."

// Passphrase proof attempts are throttled through one limiter shared by
// verify, recover, update and remove. verifyInterval is the steady rate,
// verifyBurst the initial allowance.
const (
	verifyInterval = 2 * time.Second
	verifyBurst    = 5
)

// RecoveryKeyRecord is the persisted recovery key: the account master key
// wrapped under a passphrase-derived key. One record exists per account.
//
// KDFAlgorithm is empty on records written by older clients; proving a
// passphrase against such a record tries the known algorithms in order.
type RecoveryKeyRecord struct {
	EncryptedUMK string    `json:"encrypted_umk"`
	Nonce        string    `json:"nonce"`
	Salt         string    `json:"salt"`
	Hint         string    `json:"hint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	KDFAlgorithm string    `json:"kdf_algorithm,omitempty"`

	// Version is the store's concurrency token, not part of the record.
	Version string `json:"-"`
}

// recoveryBundle is the portable export format. It deliberately omits the
// hint and the KDF algorithm: a bundle shows up in password managers and
// paste buffers, and carries only what an import strictly needs.
type recoveryBundle struct {
	Version      int       `json:"version"`
	EncryptedUMK string    `json:"encrypted_umk"`
	Nonce        string    `json:"nonce"`
	Salt         string    `json:"salt"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecoveryManager owns the passphrase recovery path: creating and
// maintaining the account recovery key, proving passphrases against it,
// and recovering an account onto a fresh device.
type RecoveryManager struct {
	store   persist.Store
	trust   *TrustManager
	session *sessionKeys
	audit   audit.Logger
	options Options
	retry   RetryConfig
	limiter *rate.Limiter
}

func newRecoveryManager(store persist.Store, trust *TrustManager, session *sessionKeys, auditLogger audit.Logger, options Options) *RecoveryManager {
	return &RecoveryManager{
		store:   store,
		trust:   trust,
		session: session,
		audit:   auditLogger,
		options: options,
		retry:   DefaultRetryConfig(),
		limiter: rate.NewLimiter(rate.Every(verifyInterval), verifyBurst),
	}
}

// Create wraps the session's master key under a passphrase and persists it
// as the account recovery key. It refuses to overwrite an existing record;
// Update is the path for changing the passphrase.
func (r *RecoveryManager) Create(ctx context.Context, passphrase, hint string) error {
	if crypto.IsWeakPassphrase(passphrase) {
		return errors.New("recovery passphrase is too weak: use at least 8 varied characters")
	}
	if !r.session.hasUMK() {
		err := fmt.Errorf("creating a recovery key requires the unwrapped master key: %w", ErrNotAuthorized)
		logAudit(r.audit, "recovery_create", err, nil)
		return err
	}
	exists, err := r.store.RecoveryKeyExists()
	if err != nil {
		return translateStoreErr("check recovery key", err)
	}
	if exists {
		err := fmt.Errorf("account already has a recovery key, update it instead: %w", ErrInvalidState)
		logAudit(r.audit, "recovery_create", err, nil)
		return err
	}

	record, err := r.wrapKey(ctx, passphrase, hint)
	if err != nil {
		logAudit(r.audit, "recovery_create", err, nil)
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode recovery key record: %w", err)
	}
	if _, err := r.store.SaveRecoveryKey(data, ""); err != nil {
		err = translateStoreErr("save recovery key", err)
		logAudit(r.audit, "recovery_create", err, nil)
		return err
	}

	logAudit(r.audit, "recovery_create", nil, map[string]interface{}{
		"kdf_algorithm": record.KDFAlgorithm,
	})
	return nil
}

// Verify reports whether a passphrase opens the account recovery key. A
// wrong passphrase is a negative answer, not an error.
func (r *RecoveryManager) Verify(ctx context.Context, passphrase string) (bool, error) {
	record, err := r.loadRecord()
	if err != nil {
		return false, err
	}
	umk, err := r.prove(ctx, passphrase, record)
	if errors.Is(err, ErrAuthenticationFailed) {
		logAudit(r.audit, "recovery_verify", err, nil)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	memguard.WipeBytes(umk)
	logAudit(r.audit, "recovery_verify", nil, nil)
	return true, nil
}

// Recover proves the passphrase, then registers this installation as a
// fresh approved device wrapped around the recovered master key. Any stale
// registration this device previously held is removed first, so the
// account does not accumulate dead records.
func (r *RecoveryManager) Recover(ctx context.Context, passphrase, name, platform string, details map[string]string) (*DeviceRecord, error) {
	record, err := r.loadRecord()
	if err != nil {
		logAudit(r.audit, "recovery_recover", err, nil)
		return nil, err
	}
	umk, err := r.prove(ctx, passphrase, record)
	if err != nil {
		logAudit(r.audit, "recovery_recover", err, nil)
		return nil, err
	}
	defer memguard.WipeBytes(umk)

	if staleID, idErr := r.trust.CurrentDeviceID(); idErr == nil {
		if delErr := r.store.DeleteDevice(staleID); delErr != nil {
			// Best effort; a dangling record does not block recovery.
			debug.Print("recovery: could not remove stale device %s: %v\n", staleID, delErr)
		}
	}

	device, err := r.trust.registerSelfWrapped(ctx, umk, name, platform, details)
	if err != nil {
		logAudit(r.audit, "recovery_recover", err, nil)
		return nil, err
	}
	logAudit(r.audit, "recovery_recover", nil, map[string]interface{}{
		"device_id": device.ID,
	})
	return device, nil
}

// Update replaces the recovery passphrase. The current passphrase is
// proven first; the re-wrapped record is written at the version the proof
// read, so a concurrent update on another device loses cleanly and
// retries.
func (r *RecoveryManager) Update(ctx context.Context, currentPassphrase, newPassphrase, hint string) error {
	if crypto.IsWeakPassphrase(newPassphrase) {
		return errors.New("recovery passphrase is too weak: use at least 8 varied characters")
	}

	err := withRetry(r.retry, "update recovery key", func() error {
		record, err := r.loadRecord()
		if err != nil {
			return err
		}
		// Re-prove on every attempt: the record we verify must be the
		// record we replace.
		umk, err := r.prove(ctx, currentPassphrase, record)
		if err != nil {
			return err
		}
		memguard.WipeBytes(umk)

		replacement, err := r.wrapKey(ctx, newPassphrase, hint)
		if err != nil {
			return err
		}
		data, err := json.Marshal(replacement)
		if err != nil {
			return fmt.Errorf("failed to encode recovery key record: %w", err)
		}
		if _, err := r.store.SaveRecoveryKey(data, record.Version); err != nil {
			var conflict persist.ConcurrencyError
			if errors.As(err, &conflict) {
				return err
			}
			return translateStoreErr("save recovery key", err)
		}
		return nil
	})
	logAudit(r.audit, "recovery_update", err, nil)
	return err
}

// Remove deletes the account recovery key after proving the current
// passphrase. Without it, losing every approved device makes the account's
// data unrecoverable.
func (r *RecoveryManager) Remove(ctx context.Context, passphrase string) error {
	record, err := r.loadRecord()
	if err != nil {
		return err
	}
	umk, err := r.prove(ctx, passphrase, record)
	if err != nil {
		logAudit(r.audit, "recovery_remove", err, nil)
		return err
	}
	memguard.WipeBytes(umk)

	if err := r.store.DeleteRecoveryKey(); err != nil {
		err = translateStoreErr("delete recovery key", err)
		logAudit(r.audit, "recovery_remove", err, nil)
		return err
	}
	logAudit(r.audit, "recovery_remove", nil, nil)
	return nil
}

// Export proves the passphrase and returns the recovery key as a single
// prefixed string for offline safekeeping. The bundle is still passphrase-
// wrapped; exporting does not weaken it.
func (r *RecoveryManager) Export(ctx context.Context, passphrase string) (string, error) {
	record, err := r.loadRecord()
	if err != nil {
		return "", err
	}
	umk, err := r.prove(ctx, passphrase, record)
	if err != nil {
		logAudit(r.audit, "recovery_export", err, nil)
		return "", err
	}
	memguard.WipeBytes(umk)

	bundle := recoveryBundle{
		Version:      misc.RecoveryBundleVersion,
		EncryptedUMK: record.EncryptedUMK,
		Nonce:        record.Nonce,
		Salt:         record.Salt,
		CreatedAt:    record.CreatedAt,
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery bundle: %w", err)
	}
	logAudit(r.audit, "recovery_export", nil, map[string]interface{}{
		"checksum": crypto.CalculateChecksum(data),
	})
	return recoveryBundlePrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// Import installs a previously exported bundle as the account recovery
// key, replacing whatever record exists. The passphrase is not needed:
// the bundle is opaque without it either way.
func (r *RecoveryManager) Import(ctx context.Context, bundle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := parseRecoveryBundle(bundle)
	if err != nil {
		logAudit(r.audit, "recovery_import", err, nil)
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode recovery key record: %w", err)
	}
	if _, err := r.store.SaveRecoveryKey(data, ""); err != nil {
		err = translateStoreErr("save recovery key", err)
		logAudit(r.audit, "recovery_import", err, nil)
		return err
	}
	logAudit(r.audit, "recovery_import", nil, nil)
	return nil
}

// HasRecoveryKey reports whether the account has a recovery key.
func (r *RecoveryManager) HasRecoveryKey(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := r.store.RecoveryKeyExists()
	if err != nil {
		return false, translateStoreErr("check recovery key", err)
	}
	return exists, nil
}

// Hint returns the stored passphrase hint, which may be empty.
func (r *RecoveryManager) Hint(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	record, err := r.loadRecord()
	if err != nil {
		return "", err
	}
	return record.Hint, nil
}

// wrapKey derives a key from the passphrase with the current default KDF
// and wraps the session master key under it.
func (r *RecoveryManager) wrapKey(ctx context.Context, passphrase, hint string) (*RecoveryKeyRecord, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	alg := crypto.DefaultKDF()
	key, err := crypto.DeriveKeyCtx(ctx, passphrase, salt, alg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	defer memguard.WipeBytes(key)

	umkBuf, err := r.session.openUMK()
	if err != nil {
		return nil, err
	}
	defer umkBuf.Destroy()
	nonce, ciphertext, err := crypto.Encrypt(umkBuf.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}

	return &RecoveryKeyRecord{
		EncryptedUMK: encodeB64(ciphertext),
		Nonce:        encodeB64(nonce),
		Salt:         encodeB64(salt),
		Hint:         hint,
		CreatedAt:    time.Now().UTC(),
		KDFAlgorithm: string(alg),
	}, nil
}

// prove derives and tries the passphrase against the record, returning the
// plaintext master key on success. Records that name their algorithm get
// exactly that derivation; legacy records without one are tried with
// PBKDF2 first and Argon2id second. Every proof attempt passes through the
// shared rate limiter.
func (r *RecoveryManager) prove(ctx context.Context, passphrase string, record *RecoveryKeyRecord) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	salt, err := decodeB64("salt", record.Salt)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeB64("encrypted master key", record.EncryptedUMK)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeB64("nonce", record.Nonce)
	if err != nil {
		return nil, err
	}

	if record.KDFAlgorithm != "" {
		alg := crypto.KDFAlgorithm(record.KDFAlgorithm)
		if !crypto.KnownKDF(alg) {
			return nil, fmt.Errorf("recovery key uses unknown derivation %q: %w", record.KDFAlgorithm, ErrUnsupported)
		}
		if alg == crypto.KDFArgon2id && !r.argonAllowed() {
			return nil, fmt.Errorf("recovery key needs Argon2id, use a different device to recover: %w", ErrUnsupported)
		}
		return r.deriveAndDecrypt(ctx, passphrase, salt, ciphertext, nonce, alg)
	}

	// Legacy record: the writer did not say how the key was derived.
	umk, err := r.deriveAndDecrypt(ctx, passphrase, salt, ciphertext, nonce, crypto.KDFPBKDF2)
	if err == nil {
		return umk, nil
	}
	if !errors.Is(err, ErrAuthenticationFailed) {
		return nil, err
	}
	if !r.argonAllowed() {
		return nil, fmt.Errorf("passphrase rejected and the Argon2id fallback cannot run here: %w", ErrUnsupported)
	}
	return r.deriveAndDecrypt(ctx, passphrase, salt, ciphertext, nonce, crypto.KDFArgon2id)
}

func (r *RecoveryManager) deriveAndDecrypt(ctx context.Context, passphrase string, salt, ciphertext, nonce []byte, alg crypto.KDFAlgorithm) ([]byte, error) {
	key, err := crypto.DeriveKeyCtx(ctx, passphrase, salt, alg)
	if err != nil {
		if errors.Is(err, crypto.ErrKDFUnsupported) {
			return nil, fmt.Errorf("derivation %s cannot run on this platform: %w", alg, ErrUnsupported)
		}
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer memguard.WipeBytes(key)

	umk, err := crypto.Decrypt(ciphertext, nonce, key)
	if err != nil {
		return nil, translateCryptoErr("open recovery key", err)
	}
	return umk, nil
}

func (r *RecoveryManager) argonAllowed() bool {
	return crypto.Argon2Supported() && !r.options.DisableArgon2
}

func (r *RecoveryManager) loadRecord() (*RecoveryKeyRecord, error) {
	doc, err := r.store.LoadRecoveryKey()
	if err != nil {
		return nil, translateStoreErr("load recovery key", err)
	}
	var record RecoveryKeyRecord
	if err := json.Unmarshal(doc.Data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode recovery key record: %w", err)
	}
	record.Version = doc.Version
	return &record, nil
}

// parseRecoveryBundle validates and decodes an exported bundle string into
// a storable record. The decoded fields are checked for presence and
// base64 validity so a truncated paste fails here, not at first use.
func parseRecoveryBundle(bundle string) (*RecoveryKeyRecord, error) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(bundle), recoveryBundlePrefix)
	if !ok {
		return nil, errors.New("not a recovery bundle: missing prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed recovery bundle: %w", err)
	}
	var decoded recoveryBundle
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("malformed recovery bundle: %w", err)
	}
	if decoded.Version != misc.RecoveryBundleVersion {
		return nil, fmt.Errorf("unsupported recovery bundle version %d: %w", decoded.Version, ErrUnsupported)
	}
	for field, value := range map[string]string{
		"encrypted_umk": decoded.EncryptedUMK,
		"nonce":         decoded.Nonce,
		"salt":          decoded.Salt,
	} {
		if value == "" {
			return nil, fmt.Errorf("recovery bundle is missing %s", field)
		}
		if _, err := decodeB64(field, value); err != nil {
			return nil, err
		}
	}
	return &RecoveryKeyRecord{
		EncryptedUMK: decoded.EncryptedUMK,
		Nonce:        decoded.Nonce,
		Salt:         decoded.Salt,
		CreatedAt:    decoded.CreatedAt,
	}, nil
}
