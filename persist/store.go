package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// VersionedDoc represents a stored document with its version information
type VersionedDoc struct {
	ID        string
	Data      []byte
	Version   string // content hash, ETag-like
	Timestamp time.Time
}

// EventType classifies a change notification.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// DeviceEvent notifies a change to a device document. Doc is nil for deletes.
// Watch channels may drop intermediate events under pressure; consumers are
// expected to reconcile against the store rather than replay event history.
type DeviceEvent struct {
	Type     EventType
	DeviceID string
	Doc      *VersionedDoc
}

// BatchOpKind selects the action of one entry in a device batch.
type BatchOpKind string

const (
	BatchPut    BatchOpKind = "put"
	BatchDelete BatchOpKind = "delete"
)

// BatchOp is one entry of ApplyDeviceBatch. Data is only read for BatchPut.
type BatchOp struct {
	Kind     BatchOpKind
	DeviceID string
	Data     []byte
}

// ErrNotFound is returned when a requested document does not exist. Backends
// normalize their native missing-object errors to this sentinel.
var ErrNotFound = errors.New("document not found")

// ConcurrencyError indicates an optimistic-locking conflict: the document
// changed between the caller's read and its conditional write.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: version conflict: expected %q, found %q",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

// ConnectivityError wraps a backend transport failure. Callers must treat it
// as transient: it says nothing about whether the document exists or what
// state it is in.
type ConnectivityError struct {
	Operation string
	Err       error
}

func (e ConnectivityError) Error() string {
	return fmt.Sprintf("%s: store unreachable: %v", e.Operation, e.Err)
}

func (e ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce ConnectivityError
	return errors.As(err, &ce)
}

// Store defines the interface for persisting an account's device trust
// records and its recovery key. One Store instance is scoped to a single
// account. All document payloads are opaque bytes produced by the trust
// layer; key material inside them is already wrapped, so the store never
// holds plaintext secrets.
//
// Writes take an expected version for optimistic concurrency: passing the
// version obtained from a prior load makes the write conditional and returns
// ConcurrencyError when another writer got there first; passing "" makes the
// write unconditional (last writer wins).
type Store interface {

	// Accounts

	// ListAccounts retrieves the account IDs that currently have any
	// document in this store's backing location.
	// Returns:
	// - A slice of account ID strings.
	// - An error if the operation fails.
	ListAccounts() ([]string, error)

	// DeleteAccount removes every document belonging to the given account:
	// all device records and the recovery key.
	// Parameters:
	// - accountID: The ID of the account to wipe.
	// Returns:
	// - An error if the operation fails.
	DeleteAccount(accountID string) error

	// Device records

	// SaveDevice writes one device record document.
	// Parameters:
	// - deviceID: The record's document ID.
	// - data: The serialized record.
	// - expectedVersion: Optional optimistic-locking guard; "" disables it.
	// Returns:
	// - The new version of the stored document.
	// - ConcurrencyError on a version conflict, or another error on failure.
	SaveDevice(deviceID string, data []byte, expectedVersion string) (newVersion string, err error)

	// LoadDevice retrieves one device record document.
	// Returns:
	// - The versioned document.
	// - ErrNotFound if no record exists for deviceID.
	LoadDevice(deviceID string) (*VersionedDoc, error)

	// DeviceExists checks whether a device record document is present.
	DeviceExists(deviceID string) (bool, error)

	// ListDevices retrieves every device record document for the account.
	// Returns:
	// - All device documents, in no particular order.
	// - An error if the operation fails.
	ListDevices() ([]*VersionedDoc, error)

	// DeleteDevice removes one device record document. Deleting an absent
	// record is not an error.
	DeleteDevice(deviceID string) error

	// ApplyDeviceBatch applies a set of put/delete operations as one unit.
	// Backends with transactions apply it atomically; others apply it
	// best-effort in order and stop at the first failure.
	ApplyDeviceBatch(ops []BatchOp) error

	// Watches

	// WatchDevice subscribes to changes of a single device record. The
	// returned channel closes when ctx is cancelled or the store closes.
	WatchDevice(ctx context.Context, deviceID string) (<-chan DeviceEvent, error)

	// WatchDevices subscribes to changes of the account's whole device
	// collection. Same channel semantics as WatchDevice.
	WatchDevices(ctx context.Context) (<-chan DeviceEvent, error)

	// Recovery key singleton

	// SaveRecoveryKey writes the account's single recovery key document.
	// Versioning behaves as in SaveDevice.
	SaveRecoveryKey(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadRecoveryKey retrieves the recovery key document.
	// Returns:
	// - The versioned document.
	// - ErrNotFound if the account has no recovery key.
	LoadRecoveryKey() (*VersionedDoc, error)

	// RecoveryKeyExists checks whether a recovery key document is present.
	RecoveryKeyExists() (bool, error)

	// DeleteRecoveryKey removes the recovery key document. Deleting an
	// absent document is not an error.
	DeleteRecoveryKey() error

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	// Returns:
	// - An error if the connectivity test fails.
	Ping() error

	// Close closes the store and releases any resources it holds,
	// including outstanding watch subscriptions.
	Close() error

	// GetType retrieves the type of store being used.
	// Returns:
	// - A string identifying the backend (e.g. "memory", "filesystem").
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// The StoreConfig struct holds the parameters needed to interact with various
// storage systems. It consists of a type that selects a storage backend, and
// a configuration map with settings specific to that backend.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/keep"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// This field must be one of the predefined StoreType constants.
	// Example values: "filesystem", "s3", "mongodb".
	Type StoreType `json:"type" yaml:"type"`

	// Config contains configuration settings specific to the chosen storage
	// backend, as a map of key-value pairs. The actual keys and values depend
	// on the backend in use. For example, StoreTypeS3 reads keys like
	// "endpoint" and "bucket".
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeMemory keeps all documents in process memory. Intended for
	// tests and examples; nothing survives process exit.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeFileSystem indicates that the local file system should be
	// used for storage. Path configuration is provided in the Config field.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 indicates that an S3-compatible object store should be
	// used as the storage backend. Endpoint, bucket and credentials are
	// provided in the Config field.
	StoreTypeS3 StoreType = "s3"

	// StoreTypeMongoDB indicates that MongoDB should be used as the storage
	// backend. Connection URI and database name are provided in the Config
	// field.
	StoreTypeMongoDB StoreType = "mongodb"

	// StoreTypePostgres indicates that PostgreSQL should be used as the
	// storage backend. The connection DSN is provided in the Config field.
	StoreTypePostgres StoreType = "postgres"
)

// calculateDocVersion derives a document version from its contents. Content
// addressing keeps version computation identical across backends.
func calculateDocVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// recoveryDocID is the fixed document ID of the recovery key singleton.
const recoveryDocID = "recovery_key"

// watchBuffer is the channel capacity of a watch subscription. Events beyond
// it are dropped; consumers reconcile by reloading.
const watchBuffer = 64
