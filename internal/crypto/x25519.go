package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// GenerateKeyPair creates a fresh X25519 device key pair and returns the raw
// 32-byte public and private keys. The private key must only ever be written
// to the device's secure store.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return priv.PublicKey().Bytes(), priv.Bytes(), nil
}

// SharedSecret computes the raw X25519 ECDH shared secret between a local
// private key and a peer public key, both as raw 32-byte values.
//
// The 32-byte output is used directly as an AEAD key with no further
// derivation step. This matches the wrap format every existing device
// produces; inserting an HKDF here would strand all previously wrapped
// master keys, so any hardening has to come with a wrap format version bump.
func SharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return secret, nil
}
