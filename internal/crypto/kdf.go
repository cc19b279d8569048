package crypto

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/foxbiz/better-keep-sub001/internal/misc"
)

// KDFAlgorithm names a passphrase key-derivation algorithm. The string values
// are persisted in recovery key records and must never change.
type KDFAlgorithm string

const (
	// KDFPBKDF2 is PBKDF2-HMAC-SHA256 with misc.PBKDF2Iterations iterations.
	// Default for new recovery keys on every platform.
	KDFPBKDF2 KDFAlgorithm = "pbkdf2"

	// KDFArgon2id is Argon2id with the pinned legacy parameters in misc.
	// Kept for records created by older clients; not runnable on
	// memory-constrained targets.
	KDFArgon2id KDFAlgorithm = "argon2id"
)

// ErrKDFUnsupported is returned when a derivation is requested with an
// algorithm the current runtime cannot execute.
var ErrKDFUnsupported = errors.New("key derivation algorithm not supported on this platform")

// DefaultKDF returns the algorithm used for newly created recovery keys.
func DefaultKDF() KDFAlgorithm {
	return KDFPBKDF2
}

// KnownKDF reports whether alg names a supported algorithm value.
func KnownKDF(alg KDFAlgorithm) bool {
	return alg == KDFPBKDF2 || alg == KDFArgon2id
}

// Argon2Supported reports whether the memory-hard Argon2id derivation may run
// here. The 64 MiB working set is not acceptable on wasm-class targets.
func Argon2Supported() bool {
	return runtime.GOOS != "js" && runtime.GOOS != "wasip1"
}

// DeriveKey derives a 32-byte key from a passphrase and salt. The parameters
// per algorithm are pinned compatibility contracts (misc); same inputs always
// produce the same key.
func DeriveKey(passphrase string, salt []byte, alg KDFAlgorithm) ([]byte, error) {
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	switch alg {
	case KDFPBKDF2:
		return pbkdf2.Key([]byte(passphrase), salt, misc.PBKDF2Iterations, misc.KeySize, sha256.New), nil
	case KDFArgon2id:
		if !Argon2Supported() {
			return nil, ErrKDFUnsupported
		}
		return argon2.IDKey(
			[]byte(passphrase),
			salt,
			misc.ArgonTime,
			misc.ArgonMemory,
			misc.ArgonThreads,
			misc.ArgonKeyLen,
		), nil
	default:
		return nil, fmt.Errorf("unknown key derivation algorithm %q", alg)
	}
}

// DeriveKeyCtx runs DeriveKey on its own goroutine so the memory-hard work
// stays off the caller's critical path, and returns early if ctx is cancelled.
// A cancelled derivation still runs to completion in the background; its
// result is discarded.
func DeriveKeyCtx(ctx context.Context, passphrase string, salt []byte, alg KDFAlgorithm) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}

	ch := make(chan result, 1)
	go func() {
		key, err := DeriveKey(passphrase, salt, alg)
		ch <- result{key: key, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.key, r.err
	}
}
