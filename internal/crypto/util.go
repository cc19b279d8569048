package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakPassphrase rejects passphrases that offer no meaningful protection
// for a recovery key: too short, or a single repeated character.
func IsWeakPassphrase(passphrase string) bool {
	if len(passphrase) < 8 {
		return true
	}

	first := passphrase[0]
	allSame := true
	for i := 1; i < len(passphrase); i++ {
		if passphrase[i] != first {
			allSame = false
			break
		}
	}
	return allSame
}
