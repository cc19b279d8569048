//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On unsupported platforms values are still wiped after use,
	// but swapping cannot be prevented.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
