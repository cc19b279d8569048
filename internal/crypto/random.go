package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/foxbiz/better-keep-sub001/internal/misc"
)

// RandomBytes returns n bytes from the platform CSPRNG. A failing CSPRNG is a
// hard error; there is no fallback source for key material.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// GenerateMasterKey creates a new 32-byte user master key.
func GenerateMasterKey() ([]byte, error) {
	return RandomBytes(misc.KeySize)
}

// GenerateSalt creates a 16-byte KDF salt.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(misc.SaltSize)
}
