//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists on Windows but has per-process quota limitations;
	// memguard already wipes buffers, so partial protection is reported.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
