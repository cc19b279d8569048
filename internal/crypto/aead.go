package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthentication is returned whenever an AEAD tag fails to verify. It covers
// ciphertext corruption and wrong keys alike; callers must treat it as "cannot
// decrypt" and never trust partial output (none is ever produced).
var ErrAuthentication = errors.New("authentication failed: ciphertext rejected")

// Encrypt seals plaintext under a 32-byte key with XChaCha20-Poly1305 and a
// fresh random 24-byte nonce. The nonce is generated per call and never derived
// or reused. Returns the nonce and the ciphertext with the 16-byte tag appended.
func Encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext‖tag produced by Encrypt. Any tag mismatch surfaces
// as ErrAuthentication.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d, want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
