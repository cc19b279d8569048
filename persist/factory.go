package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, accountID string) (Store, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(accountID)

	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, accountID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, accountID)

	case StoreTypeMongoDB:
		return NewMongoStoreFromConfig(config, accountID)

	case StoreTypePostgres:
		return NewPostgresStoreFromConfig(config, accountID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateAccountID validates the account ID for security
func validateAccountID(accountID string) error {
	if accountID == "" {
		return fmt.Errorf("account ID cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(accountID, "..") ||
		strings.Contains(accountID, "/") ||
		strings.Contains(accountID, "\\") ||
		strings.Contains(accountID, " ") {
		return fmt.Errorf("account ID contains invalid characters")
	}

	// Length check
	if len(accountID) > 100 {
		return fmt.Errorf("account ID too long (max 100 characters)")
	}

	return nil
}

// validateDocID validates a document ID before it becomes part of a storage
// path or key
func validateDocID(docID string) error {
	if docID == "" {
		return fmt.Errorf("document ID cannot be empty")
	}

	if strings.Contains(docID, "..") ||
		strings.Contains(docID, "/") ||
		strings.Contains(docID, "\\") ||
		strings.Contains(docID, " ") {
		return fmt.Errorf("document ID contains invalid characters")
	}

	if len(docID) > 200 {
		return fmt.Errorf("document ID too long (max 200 characters)")
	}

	return nil
}
