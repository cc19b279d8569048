package keystore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

// defaultKeyringService namespaces this module's items inside the OS secret
// service when the caller does not pick a name.
const defaultKeyringService = "keep-e2ee"

// KeyringStore delegates to the operating system's native secret service via
// github.com/99designs/keyring: Keychain on macOS, Secret Service/KWallet on
// Linux, Credential Manager on Windows, with an encrypted-file fallback for
// headless hosts.
//
// Items are namespaced twice: by service name against other applications,
// and by an account-ID key prefix against other accounts on the same host.
type KeyringStore struct {
	ring      keyring.Keyring
	accountID string

	mu     sync.Mutex
	closed bool
}

// KeyringConfig holds the configuration for a KeyringStore.
type KeyringConfig struct {
	// ServiceName namespaces this application's items inside the OS secret
	// service. Defaults to "keep-e2ee".
	ServiceName string `json:"service_name" yaml:"service_name"`

	// AllowedBackends optionally restricts which keyring backends may be
	// used, in preference order (e.g. "keychain", "secret-service", "file").
	// Empty means any available backend.
	AllowedBackends []string `json:"allowed_backends" yaml:"allowed_backends"`

	// FileDir is where the encrypted-file fallback backend keeps its items.
	FileDir string `json:"file_dir" yaml:"file_dir"`

	// FilePassword unlocks the encrypted-file fallback backend. Headless
	// hosts set it; interactive ones leave it empty and get a terminal
	// prompt instead.
	FilePassword string `json:"-" yaml:"-"`
}

// NewKeyringStore opens the OS keyring for the given account.
func NewKeyringStore(config KeyringConfig, accountID string) (*KeyringStore, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = defaultKeyringService
	}

	kcfg := keyring.Config{
		ServiceName:              serviceName,
		FileDir:                  config.FileDir,
		KeychainTrustApplication: true,
	}
	if config.FilePassword != "" {
		kcfg.FilePasswordFunc = keyring.FixedStringPrompt(config.FilePassword)
	} else {
		kcfg.FilePasswordFunc = keyring.TerminalPrompt
	}
	for _, name := range config.AllowedBackends {
		kcfg.AllowedBackends = append(kcfg.AllowedBackends, keyring.BackendType(name))
	}

	ring, err := keyring.Open(kcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open OS keyring: %w", err)
	}

	return &KeyringStore{
		ring:      ring,
		accountID: accountID,
	}, nil
}

// NewKeyringStoreFromConfig builds a KeyringStore from a StoreConfig.
func NewKeyringStoreFromConfig(config StoreConfig, accountID string) (*KeyringStore, error) {
	cfg := KeyringConfig{
		ServiceName:  stringOption(config.Config, "service_name"),
		FileDir:      stringOption(config.Config, "file_dir"),
		FilePassword: stringOption(config.Config, "file_password"),
	}
	if backends, ok := config.Config["allowed_backends"].([]interface{}); ok {
		for _, b := range backends {
			if name, ok := b.(string); ok {
				cfg.AllowedBackends = append(cfg.AllowedBackends, name)
			}
		}
	}
	return NewKeyringStore(cfg, accountID)
}

// scopedKey prefixes a logical key with the account ID. Neither side may
// contain "/", so the mapping is unambiguous.
func (k *KeyringStore) scopedKey(key string) string {
	return k.accountID + "/" + key
}

// Set stores value under key in the OS keyring.
func (k *KeyringStore) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("key store is closed")
	}

	item := keyring.Item{
		Key:   k.scopedKey(key),
		Data:  value,
		Label: serviceLabel(key),
	}
	if err := k.ring.Set(item); err != nil {
		return fmt.Errorf("failed to store key %s: %w", key, err)
	}
	return nil
}

// Get retrieves the value stored under key.
func (k *KeyringStore) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, fmt.Errorf("key store is closed")
	}

	item, err := k.ring.Get(k.scopedKey(key))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
		}
		return nil, fmt.Errorf("failed to load key %s: %w", key, err)
	}
	return item.Data, nil
}

// Has checks whether a value exists for key.
func (k *KeyringStore) Has(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return false, fmt.Errorf("key store is closed")
	}

	_, err := k.ring.Get(k.scopedKey(key))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the value stored under key. Absent keys are not an error.
func (k *KeyringStore) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("key store is closed")
	}

	return k.removeItem(k.scopedKey(key))
}

// Purge removes every item belonging to this store's account. Items of
// other accounts under the same service name are left alone.
func (k *KeyringStore) Purge() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("key store is closed")
	}

	keys, err := k.ring.Keys()
	if err != nil {
		return fmt.Errorf("failed to list keyring items: %w", err)
	}

	prefix := k.accountID + "/"
	for _, scoped := range keys {
		if !strings.HasPrefix(scoped, prefix) {
			continue
		}
		if err := k.removeItem(scoped); err != nil {
			return err
		}
	}
	return nil
}

// removeItem tolerates already-gone items; which error that produces varies
// by keyring backend.
func (k *KeyringStore) removeItem(scoped string) error {
	err := k.ring.Remove(scoped)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove key %s: %w", scoped, err)
	}
	return nil
}

// Close marks the store closed. The OS keyring itself holds no per-process
// resources to release.
func (k *KeyringStore) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.closed = true
	return nil
}

// GetType returns the store type identifier.
func (k *KeyringStore) GetType() string {
	return string(StoreTypeKeyring)
}

// serviceLabel is what native keyring UIs display for an item.
func serviceLabel(key string) string {
	return "keep e2ee: " + key
}
