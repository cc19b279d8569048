package crypto

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxbiz/better-keep-sub001/internal/misc"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	algorithms := []KDFAlgorithm{KDFPBKDF2}
	if Argon2Supported() {
		algorithms = append(algorithms, KDFArgon2id)
	}

	for _, alg := range algorithms {
		t.Run(string(alg), func(t *testing.T) {
			key1, err := DeriveKey("horse-battery-123", salt, alg)
			if err != nil {
				t.Fatalf("first derivation failed: %v", err)
			}
			key2, err := DeriveKey("horse-battery-123", salt, alg)
			if err != nil {
				t.Fatalf("second derivation failed: %v", err)
			}

			if len(key1) != misc.KeySize {
				t.Errorf("key length = %d, want %d", len(key1), misc.KeySize)
			}
			if !bytes.Equal(key1, key2) {
				t.Error("same inputs produced different keys")
			}
		})
	}
}

func TestDeriveKeySaltSensitivity(t *testing.T) {
	saltA := []byte("aaaaaaaaaaaaaaaa")
	saltB := []byte("bbbbbbbbbbbbbbbb")

	keyA, err := DeriveKey("same passphrase", saltA, KDFPBKDF2)
	if err != nil {
		t.Fatalf("derivation with salt A failed: %v", err)
	}
	keyB, err := DeriveKey("same passphrase", saltB, KDFPBKDF2)
	if err != nil {
		t.Fatalf("derivation with salt B failed: %v", err)
	}

	if bytes.Equal(keyA, keyB) {
		t.Error("different salts produced the same key")
	}
}

func TestDeriveKeyPassphraseSensitivity(t *testing.T) {
	salt := []byte("0123456789abcdef")

	keyA, err := DeriveKey("passphrase one", salt, KDFPBKDF2)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}
	keyB, err := DeriveKey("passphrase two", salt, KDFPBKDF2)
	if err != nil {
		t.Fatalf("derivation failed: %v", err)
	}

	if bytes.Equal(keyA, keyB) {
		t.Error("different passphrases produced the same key")
	}
}

func TestDeriveKeyAlgorithmsDiffer(t *testing.T) {
	if !Argon2Supported() {
		t.Skip("argon2id not supported on this platform")
	}
	salt := []byte("0123456789abcdef")

	pbkdf2Key, err := DeriveKey("shared passphrase", salt, KDFPBKDF2)
	if err != nil {
		t.Fatalf("pbkdf2 derivation failed: %v", err)
	}
	argonKey, err := DeriveKey("shared passphrase", salt, KDFArgon2id)
	if err != nil {
		t.Fatalf("argon2id derivation failed: %v", err)
	}

	if bytes.Equal(pbkdf2Key, argonKey) {
		t.Error("distinct algorithms produced the same key")
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	if _, err := DeriveKey("p", nil, KDFPBKDF2); err == nil {
		t.Error("expected error for empty salt")
	}
	if _, err := DeriveKey("p", []byte("salt"), KDFAlgorithm("scrypt")); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestDeriveKeyCtxCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DeriveKeyCtx(ctx, "passphrase", []byte("0123456789abcdef"), KDFPBKDF2)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got err %v, want context.Canceled", err)
	}
}

func TestDeriveKeyCtxCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := DeriveKeyCtx(ctx, "passphrase", []byte("0123456789abcdef"), KDFPBKDF2)
	if err != nil {
		t.Fatalf("DeriveKeyCtx failed: %v", err)
	}
	if len(key) != misc.KeySize {
		t.Errorf("key length = %d, want %d", len(key), misc.KeySize)
	}

	direct, err := DeriveKey("passphrase", []byte("0123456789abcdef"), KDFPBKDF2)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(key, direct) {
		t.Error("context path and direct path disagree")
	}
}

func TestDefaultKDF(t *testing.T) {
	if DefaultKDF() != KDFPBKDF2 {
		t.Errorf("DefaultKDF() = %q, want %q", DefaultKDF(), KDFPBKDF2)
	}
	if !KnownKDF(KDFPBKDF2) || !KnownKDF(KDFArgon2id) {
		t.Error("expected both pinned algorithms to be known")
	}
	if KnownKDF(KDFAlgorithm("bcrypt")) {
		t.Error("unexpected algorithm reported as known")
	}
}
