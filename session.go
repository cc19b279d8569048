package e2ee

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// sessionKeys caches the unwrapped account master key for the signed-in
// session. The key is written once, on successful unwrap or creation, and
// read by many callers; it lives in a memguard enclave so the plaintext is
// encrypted at rest inside process memory.
type sessionKeys struct {
	mu  sync.RWMutex
	umk *memguard.Enclave
}

func newSessionKeys() *sessionKeys {
	return &sessionKeys{}
}

// setUMK seals key into the session enclave. memguard wipes the source
// slice; callers that still need the bytes must pass a copy.
func (s *sessionKeys) setUMK(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.umk = memguard.NewEnclave(key)
}

// openUMK returns the decrypted master key in a locked buffer. The caller
// must Destroy the buffer as soon as it is done with the bytes.
func (s *sessionKeys) openUMK() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	enclave := s.umk
	s.mu.RUnlock()

	if enclave == nil {
		return nil, fmt.Errorf("master key is not unwrapped on this device: %w", ErrNotAuthorized)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key enclave: %w", err)
	}
	return buf, nil
}

// hasUMK reports whether the session holds an unwrapped master key.
func (s *sessionKeys) hasUMK() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.umk != nil
}

// clear drops the cached master key. Buffers already handed out are
// unaffected; new opens fail with ErrNotAuthorized.
func (s *sessionKeys) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.umk = nil
}
