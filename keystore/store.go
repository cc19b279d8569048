// Package keystore provides the device-local secure key store: a small
// Set/Get/Delete surface over logical keys whose values are opaque bytes.
// The trust layer keeps the device private key, the cached wrapped master
// key and a handful of session flags here; nothing in this package
// interprets the values it stores.
//
// Backends trade off between platform integration and portability: the
// keyring backend delegates to the operating system's native secret
// service, the sealed-file backend AEAD-wraps the whole store under an
// application-provisioned key before it ever touches ordinary storage,
// and the memory backend exists for tests and examples.
package keystore

import "errors"

// ErrKeyNotFound is returned when a requested key does not exist. Backends
// normalize their native missing-entry errors to this sentinel.
var ErrKeyNotFound = errors.New("key not found")

// Store defines the interface for the device-local secure key store. One
// Store instance is scoped to a single account; keys from other accounts
// are never visible through it.
//
// Values are copied on the way in and out, so callers may zero their
// buffers after Set and mutate what Get returns.
type Store interface {

	// Set stores a value under a logical key, replacing any previous value.
	// Parameters:
	// - key: The logical key name.
	// - value: The value bytes; an empty value is stored as such.
	// Returns:
	// - An error if the operation fails.
	Set(key string, value []byte) error

	// Get retrieves the value stored under a logical key.
	// Returns:
	// - The value bytes.
	// - ErrKeyNotFound if no value exists for the key.
	Get(key string) ([]byte, error)

	// Has checks whether a value exists for the key without returning it.
	Has(key string) (bool, error)

	// Delete removes the value stored under a logical key. Deleting an
	// absent key is not an error.
	Delete(key string) error

	// Purge removes every value this store holds for its account. Used on
	// logout and revocation; purging an already-empty store is not an error.
	Purge() error

	// Close releases any resources the store holds. A closed store rejects
	// further operations.
	Close() error

	// GetType retrieves the type of store being used.
	// Returns:
	// - A string identifying the backend (e.g. "memory", "keyring").
	GetType() string
}

// StoreConfig provides configuration for different key store backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeSealedFile,
//	    Config: map[string]interface{}{"path": "/var/lib/keep/keystore.sealed"},
//	}
type StoreConfig struct {
	// Type specifies the key store backend to be used.
	// This field must be one of the predefined StoreType constants.
	Type StoreType `json:"type" yaml:"type"`

	// Config contains configuration settings specific to the chosen backend,
	// as a map of key-value pairs. For example, StoreTypeSealedFile reads
	// "path" and "key_b64".
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of key store backends.
type StoreType string

// Supported key store types.
const (
	// StoreTypeMemory keeps all entries in process memory. Intended for
	// tests and examples; nothing survives process exit.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeKeyring delegates to the operating system's native secret
	// service (Keychain, Secret Service, Credential Manager, or an
	// encrypted file fallback).
	StoreTypeKeyring StoreType = "keyring"

	// StoreTypeSealedFile keeps the whole store in a single file whose
	// contents are AEAD-sealed under an application-provisioned 32-byte
	// key, with the account ID bound as associated data.
	StoreTypeSealedFile StoreType = "sealedfile"
)
