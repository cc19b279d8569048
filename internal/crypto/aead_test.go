package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/foxbiz/better-keep-sub001/internal/misc"
)

var aeadTestCases = []struct {
	name      string
	plaintext []byte
}{
	{"empty", []byte{}},
	{"single byte", []byte{0x42}},
	{"short text", []byte("hello world")},
	{"unicode", []byte("héllo wörld 你好世界 🔐")},
	{"json payload", []byte(`{"title":"groceries","body":"milk, eggs"}`)},
	{"binary", []byte{0x00, 0x01, 0xFF, 0xFE, 0x80, 0x7F}},
	{"large", bytes.Repeat([]byte("0123456789abcdef"), 64*1024)},
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(misc.KeySize)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	for _, tc := range aeadTestCases {
		t.Run(tc.name, func(t *testing.T) {
			nonce, ciphertext, err := Encrypt(tc.plaintext, key)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if len(nonce) != misc.NonceSize {
				t.Errorf("nonce length = %d, want %d", len(nonce), misc.NonceSize)
			}
			if len(ciphertext) != len(tc.plaintext)+misc.TagSize {
				t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(tc.plaintext)+misc.TagSize)
			}

			plaintext, err := Decrypt(ciphertext, nonce, key)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(plaintext, tc.plaintext) {
				t.Errorf("round trip mismatch: got %q, want %q", plaintext, tc.plaintext)
			}
		})
	}
}

func TestEncryptNonceFreshness(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same plaintext twice")

	nonce1, ct1, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("first Encrypt failed: %v", err)
	}
	nonce2, ct2, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("second Encrypt failed: %v", err)
	}

	if bytes.Equal(nonce1, nonce2) {
		t.Error("two encryptions produced the same nonce")
	}
	if bytes.Equal(ct1, ct2) {
		t.Error("two encryptions produced the same ciphertext")
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("integrity protected content")

	nonce, ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flip one bit in every byte position, covering both the ciphertext
	// body and the appended tag.
	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		if _, err = Decrypt(tampered, nonce, key); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("bit flip at byte %d: got err %v, want ErrAuthentication", i, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key := testKey(t)
	otherKey := testKey(t)

	nonce, ciphertext, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err = Decrypt(ciphertext, nonce, otherKey); !errors.Is(err, ErrAuthentication) {
		t.Errorf("wrong key: got err %v, want ErrAuthentication", err)
	}
}

func TestDecryptWrongNonceLength(t *testing.T) {
	key := testKey(t)
	nonce, ciphertext, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err = Decrypt(ciphertext, nonce[:12], key); err == nil {
		t.Error("expected error for truncated nonce")
	} else if !strings.Contains(err.Error(), "nonce length") {
		t.Errorf("unexpected error for truncated nonce: %v", err)
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, _, err := Encrypt([]byte("x"), make([]byte, n)); err == nil {
			t.Errorf("key size %d: expected error", n)
		}
	}
}
