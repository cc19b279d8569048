package keystore

import (
	"fmt"
	"strings"
)

// NewStore factory function to create key store backends
func NewStore(config StoreConfig, accountID string) (Store, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(accountID)

	case StoreTypeKeyring:
		return NewKeyringStoreFromConfig(config, accountID)

	case StoreTypeSealedFile:
		return NewSealedFileStoreFromConfig(config, accountID)

	default:
		return nil, fmt.Errorf("unsupported key store type: %s", config.Type)
	}
}

// validateAccountID validates the account ID for security. The ID becomes
// part of file paths, keyring item names and AEAD associated data, so the
// same rules apply everywhere.
func validateAccountID(accountID string) error {
	if accountID == "" {
		return fmt.Errorf("account ID cannot be empty")
	}

	if strings.Contains(accountID, "..") ||
		strings.Contains(accountID, "/") ||
		strings.Contains(accountID, "\\") ||
		strings.Contains(accountID, " ") {
		return fmt.Errorf("account ID contains invalid characters")
	}

	if len(accountID) > 100 {
		return fmt.Errorf("account ID too long (max 100 characters)")
	}

	return nil
}

// validateKey validates a logical key name before it becomes part of a
// keyring item name or sealed-store entry.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if strings.Contains(key, "..") ||
		strings.Contains(key, "/") ||
		strings.Contains(key, "\\") ||
		strings.Contains(key, " ") {
		return fmt.Errorf("key contains invalid characters")
	}

	if len(key) > 200 {
		return fmt.Errorf("key too long (max 200 characters)")
	}

	return nil
}

// stringOption reads an optional string from a backend config map.
func stringOption(config map[string]interface{}, key string) string {
	if value, ok := config[key].(string); ok {
		return value
	}
	return ""
}
