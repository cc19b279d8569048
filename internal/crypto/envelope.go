package crypto

import (
	"bytes"
	"fmt"

	"github.com/foxbiz/better-keep-sub001/internal/misc"
)

// plaintextSignatures are magic prefixes of common media formats. A buffer
// opening with one of these was produced by an application, not by
// EncryptBytes, regardless of how random the rest looks.
var plaintextSignatures = [][]byte{
	{0xFF, 0xD8, 0xFF},       // JPEG
	{0x89, 0x50, 0x4E, 0x47}, // PNG
	{0x47, 0x49, 0x46, 0x38}, // GIF
	{0x52, 0x49, 0x46, 0x46}, // RIFF (WebP, WAV)
	{0x49, 0x44, 0x33},       // MP3 (ID3)
	{0xFF, 0xFB},             // MP3 (bare frame sync)
}

// mp4FtypTag sits at byte offset 4 of an MP4/ISO-BMFF file, after the box size.
var mp4FtypTag = []byte{0x66, 0x74, 0x79, 0x70}

// EncryptBytes seals an arbitrary buffer (file contents) under key and returns
// the envelope nonce ‖ ciphertext‖tag, nonce prepended rather than carried
// separately. Empty buffers are valid input.
func EncryptBytes(plaintext, key []byte) ([]byte, error) {
	nonce, ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(nonce)+len(ciphertext))
	copy(out, nonce)
	copy(out[len(nonce):], ciphertext)
	return out, nil
}

// DecryptBytes opens an envelope produced by EncryptBytes.
func DecryptBytes(envelope, key []byte) ([]byte, error) {
	if len(envelope) < misc.NonceSize+misc.TagSize {
		return nil, fmt.Errorf("envelope too short: %d bytes", len(envelope))
	}
	return Decrypt(envelope[misc.NonceSize:], envelope[:misc.NonceSize], key)
}

// LooksEncrypted is a heuristic used to avoid re-encrypting data that is
// already an envelope. It returns false when the buffer opens with a known
// plaintext media signature, or is too short to be an envelope at all.
// High-entropy plaintext of sufficient length will report true; callers use
// this defensively, not as proof.
func LooksEncrypted(buf []byte) bool {
	if len(buf) < misc.NonceSize+misc.TagSize {
		return false
	}
	for _, sig := range plaintextSignatures {
		if bytes.HasPrefix(buf, sig) {
			return false
		}
	}
	if len(buf) >= 8 && bytes.Equal(buf[4:8], mp4FtypTag) {
		return false
	}
	return true
}
