package misc

const (
	// RecoveryBundleVersion is the version stamped into exported recovery bundles
	RecoveryBundleVersion = 1

	// KeySize is the size in bytes of the user master key and of every AEAD
	// key used by this module
	KeySize = 32

	// NonceSize and TagSize follow XChaCha20-Poly1305: 192-bit nonce,
	// 128-bit authentication tag
	NonceSize = 24
	TagSize   = 16

	// PBKDF2Iterations is a compatibility contract: every recovery key created
	// with the default KDF uses exactly this count, and changing it invalidates
	// all previously created recovery keys
	PBKDF2Iterations = 310000

	// ArgonTime Legacy Argon2id parameters, equally pinned; only recovery
	// records created by older clients use these
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	SaltSize = 16

	// PreviewMaxChars caps the plaintext preview extracted from a note body
	PreviewMaxChars = 500

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
