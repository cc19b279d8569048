package e2ee

import (
	"fmt"
	"runtime"
	"time"
)

// defaultApprovalPollInterval is the fallback poll cadence used while a
// device waits for approval, on top of the store's push watches.
const defaultApprovalPollInterval = 30 * time.Second

// Options tunes the behavior of a Stack. The zero value is valid: every
// field has a working default.
type Options struct {
	// DeviceName describes this installation in device records, for
	// example a hostname. When set, Initialize may register the device on
	// its own (first-device setup on an empty account, pending
	// registration when approved devices exist). When empty, Initialize
	// stops at StatusNotSetUp and registration happens through explicit
	// calls.
	DeviceName string `json:"device_name"`

	// DevicePlatform names the operating system or form factor of this
	// installation. Defaults to runtime.GOOS.
	DevicePlatform string `json:"device_platform"`

	// DeviceDetails carries free-form attributes stored alongside the
	// device record, such as an application version.
	DeviceDetails map[string]string `json:"device_details,omitempty"`

	// EnforceMasterPolicy restricts approve and revoke operations to the
	// master device (earliest approval). The restriction is pure policy:
	// any device holding the master key is mechanically able to wrap it.
	// Off by default, matching deployed client behavior.
	EnforceMasterPolicy bool `json:"enforce_master_policy"`

	// ApprovalPollInterval is how often a device awaiting approval
	// re-reads its own record in addition to the push watch. Zero means
	// the default of 30 seconds.
	ApprovalPollInterval time.Duration `json:"approval_poll_interval"`

	// SkipPrimaryOnRecovery leaves other devices registered after a
	// passphrase recovery. By default the recovered device demotes every
	// other device and becomes the only trust anchor.
	SkipPrimaryOnRecovery bool `json:"skip_primary_on_recovery"`

	// DisableArgon2 treats Argon2id as unavailable even where the build
	// target could run it, for hosts that cannot spare the 64 MiB
	// derivation working set. Recovery keys that need Argon2id then fail
	// with ErrUnsupported.
	DisableArgon2 bool `json:"disable_argon2"`

	// EnableMemoryLock asks the kernel to keep process memory out of swap
	// at construction time. Best effort: missing privileges degrade the
	// protection level instead of failing.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

// Validate checks the options for values that cannot be worked around.
func (o Options) Validate() error {
	if o.ApprovalPollInterval < 0 {
		return fmt.Errorf("approval poll interval must not be negative, got %s", o.ApprovalPollInterval)
	}
	return nil
}

// withDefaults returns a copy of o with zero values replaced by defaults.
func (o Options) withDefaults() Options {
	if o.ApprovalPollInterval == 0 {
		o.ApprovalPollInterval = defaultApprovalPollInterval
	}
	if o.DevicePlatform == "" {
		o.DevicePlatform = runtime.GOOS
	}
	return o
}
