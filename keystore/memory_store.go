package keystore

import (
	"fmt"
	"sync"
)

// MemoryStore keeps all entries in process memory. Nothing survives process
// exit, which is exactly what tests and examples want.
type MemoryStore struct {
	accountID string
	mu        sync.RWMutex
	entries   map[string][]byte
	closed    bool
}

// NewMemoryStore creates an in-memory key store scoped to one account.
func NewMemoryStore(accountID string) (*MemoryStore, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	return &MemoryStore{
		accountID: accountID,
		entries:   make(map[string][]byte),
	}, nil
}

// Set stores a copy of value under key.
func (m *MemoryStore) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("key store is closed")
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	m.entries[key] = buf
	return nil
}

// Get retrieves a copy of the value stored under key.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("key store is closed")
	}

	value, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Has checks whether a value exists for key.
func (m *MemoryStore) Has(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, fmt.Errorf("key store is closed")
	}

	_, ok := m.entries[key]
	return ok, nil
}

// Delete removes the value stored under key. Absent keys are not an error.
func (m *MemoryStore) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("key store is closed")
	}

	delete(m.entries, key)
	return nil
}

// Purge removes every entry, zeroing the held buffers first.
func (m *MemoryStore) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("key store is closed")
	}

	for _, value := range m.entries {
		for i := range value {
			value[i] = 0
		}
	}
	m.entries = make(map[string][]byte)
	return nil
}

// Close marks the store closed and drops its entries.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	for _, value := range m.entries {
		for i := range value {
			value[i] = 0
		}
	}
	m.entries = nil
	m.closed = true
	return nil
}

// GetType returns the store type identifier.
func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}
