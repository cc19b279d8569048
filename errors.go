package e2ee

import (
	"errors"
	"fmt"

	"github.com/foxbiz/better-keep-sub001/internal/crypto"
	"github.com/foxbiz/better-keep-sub001/persist"
)

// Sentinel errors of the trust, recovery and orchestration layers. Callers
// match them with errors.Is; wrapped forms carry operation context.
var (
	// ErrAuthenticationFailed is returned when an AEAD tag does not verify:
	// wrong key or tampered ciphertext. No partial plaintext is ever
	// released alongside it.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidState is returned when an operation targets a device or
	// record that is not in the required status, such as approving a
	// device that is not pending.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNotAuthorized is returned when the caller lacks the unwrapped
	// master key, or master-device policy is enforced and the caller is
	// not the master device.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUnsupported is returned when an operation cannot run on this
	// platform, such as Argon2id derivation on memory-constrained
	// runtimes.
	ErrUnsupported = errors.New("operation not supported on this platform")

	// ErrNotFound is returned when a device or recovery record does not
	// exist.
	ErrNotFound = errors.New("record not found")

	// ErrConnectivity is returned when the remote store cannot be
	// reached. It marks a transient condition: callers must never read it
	// as a revocation or a missing record.
	ErrConnectivity = errors.New("store unreachable")
)

// translateStoreErr maps persist-layer errors onto the package taxonomy,
// keeping the original chain intact for errors.As inspection.
func translateStoreErr(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("%s: %w", operation, ErrNotFound)
	}
	if persist.IsConnectivity(err) {
		return fmt.Errorf("%s: %w: %w", operation, ErrConnectivity, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// translateCryptoErr maps an AEAD authentication failure onto
// ErrAuthenticationFailed and wraps everything else unchanged.
func translateCryptoErr(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, crypto.ErrAuthentication) {
		return fmt.Errorf("%s: %w", operation, ErrAuthenticationFailed)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
