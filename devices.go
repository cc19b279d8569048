package e2ee

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxbiz/better-keep-sub001/persist"
)

// DeviceStatus is the trust state of a registered device.
type DeviceStatus string

const (
	// DeviceStatusPending marks a device that registered and awaits
	// approval by an already-approved device.
	DeviceStatusPending DeviceStatus = "pending"

	// DeviceStatusApproved marks a device holding a wrapped copy of the
	// account master key.
	DeviceStatusApproved DeviceStatus = "approved"

	// DeviceStatusRevoked marks a device whose access was withdrawn
	// without deleting its record.
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// DeviceRecord is the remote document describing one registered device.
//
// The wrap fields carry the account master key encrypted for this device:
// WrappedUMK holds the base64 ciphertext with the tag appended,
// WrappedUMKNonce the base64 nonce, and ApprovedByPublicKey the base64
// public key of the device that performed the wrap. A self-wrapped record
// (first device, recovery) leaves ApprovedByPublicKey empty and the wrap
// opens against the record's own public key. Invariant: the wrap fields
// are present exactly when Status is DeviceStatusApproved.
type DeviceRecord struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Platform            string            `json:"platform"`
	PublicKey           string            `json:"public_key"`
	WrappedUMK          string            `json:"wrapped_umk,omitempty"`
	WrappedUMKNonce     string            `json:"wrapped_umk_nonce,omitempty"`
	ApprovedByPublicKey string            `json:"approved_by_public_key,omitempty"`
	Status              DeviceStatus      `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	ApprovedAt          *time.Time        `json:"approved_at,omitempty"`
	RevokedAt           *time.Time        `json:"revoked_at,omitempty"`
	DeviceDetails       map[string]string `json:"device_details,omitempty"`

	// Version is the optimistic-concurrency version of the backing
	// document. Empty on records that were never loaded from the store.
	Version string `json:"-"`
}

// Approved reports whether the device currently holds a wrapped master key.
func (r *DeviceRecord) Approved() bool {
	return r.Status == DeviceStatusApproved
}

// Pending reports whether the device awaits approval.
func (r *DeviceRecord) Pending() bool {
	return r.Status == DeviceStatusPending
}

// approvalTime is the timestamp used for master-device ordering: the
// approval time when recorded, the creation time for records that predate
// approval timestamps.
func (r *DeviceRecord) approvalTime() time.Time {
	if r.ApprovedAt != nil {
		return *r.ApprovedAt
	}
	return r.CreatedAt
}

// resetToPending clears the wrap fields and returns the record to the
// approval queue. History timestamps survive so the previous approval
// stays readable.
func (r *DeviceRecord) resetToPending() {
	r.WrappedUMK = ""
	r.WrappedUMKNonce = ""
	r.ApprovedByPublicKey = ""
	r.Status = DeviceStatusPending
}

func validateDeviceRecord(record *DeviceRecord) error {
	if record.ID == "" {
		return fmt.Errorf("device record has no id")
	}
	if record.PublicKey == "" {
		return fmt.Errorf("device record %s has no public key", record.ID)
	}
	switch record.Status {
	case DeviceStatusPending, DeviceStatusApproved, DeviceStatusRevoked:
	default:
		return fmt.Errorf("device record %s has unknown status %q", record.ID, record.Status)
	}
	wrapped := record.WrappedUMK != "" && record.WrappedUMKNonce != ""
	if record.Status == DeviceStatusApproved && !wrapped {
		return fmt.Errorf("approved device record %s is missing its wrapped key", record.ID)
	}
	if record.Status != DeviceStatusApproved && (record.WrappedUMK != "" || record.WrappedUMKNonce != "") {
		return fmt.Errorf("device record %s carries a wrapped key but is not approved", record.ID)
	}
	return nil
}

func encodeDeviceRecord(record *DeviceRecord) ([]byte, error) {
	if err := validateDeviceRecord(record); err != nil {
		return nil, err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device record %s: %w", record.ID, err)
	}
	return data, nil
}

func decodeDeviceRecord(doc *persist.VersionedDoc) (*DeviceRecord, error) {
	var record DeviceRecord
	if err := json.Unmarshal(doc.Data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode device record %s: %w", doc.ID, err)
	}
	if record.ID == "" {
		record.ID = doc.ID
	}
	record.Version = doc.Version
	return &record, nil
}
