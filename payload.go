package e2ee

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foxbiz/better-keep-sub001/internal/crypto"
	"github.com/foxbiz/better-keep-sub001/internal/misc"
	"github.com/foxbiz/better-keep-sub001/internal/richtext"
)

// Placeholder content shown for a note this device cannot open yet. The
// strings are user-facing copy, not error text.
const (
	lockedTitle   = "[Encrypted Note]"
	lockedPreview = "This note is end-to-end encrypted. Approve this device or recover your account to read it."
)

// EncryptedNote is a note as it travels and rests: body and title each
// sealed separately under the account master key. The title gets its own
// ciphertext so list views can be decrypted without pulling note bodies.
type EncryptedNote struct {
	Ciphertext      string `json:"ciphertext"`
	Nonce           string `json:"nonce"`
	TitleCiphertext string `json:"title_ciphertext,omitempty"`
	TitleNonce      string `json:"title_nonce,omitempty"`
}

// DecryptedNote is the readable form of a note. Locked marks a note whose
// key material is not available on this device; Title and Preview then
// hold placeholder copy and Body is empty.
type DecryptedNote struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Preview string `json:"preview"`
	Locked  bool   `json:"locked"`
}

// notePayload is the canonical plaintext that gets sealed as a note body.
type notePayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PayloadCipher seals and opens user content under the session's master
// key. It holds no key material of its own; everything goes through the
// shared session enclave, so a revocation that clears the session
// immediately locks the cipher too.
type PayloadCipher struct {
	session *sessionKeys
}

func newPayloadCipher(session *sessionKeys) *PayloadCipher {
	return &PayloadCipher{session: session}
}

// EncryptNote seals a note's title and body for storage. It fails with
// ErrNotAuthorized when the master key is not unwrapped on this device.
func (p *PayloadCipher) EncryptNote(title, body string) (*EncryptedNote, error) {
	payload, err := json.Marshal(notePayload{Title: title, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode note payload: %w", err)
	}

	umk, err := p.session.openUMK()
	if err != nil {
		return nil, err
	}
	defer umk.Destroy()

	nonce, ciphertext, err := crypto.Encrypt(payload, umk.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt note: %w", err)
	}
	note := &EncryptedNote{
		Ciphertext: encodeB64(ciphertext),
		Nonce:      encodeB64(nonce),
	}

	if title != "" {
		titleNonce, titleCiphertext, err := crypto.Encrypt([]byte(title), umk.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt note title: %w", err)
		}
		note.TitleCiphertext = encodeB64(titleCiphertext)
		note.TitleNonce = encodeB64(titleNonce)
	}
	return note, nil
}

// DecryptNote opens a sealed note. When the master key is not available on
// this device the note comes back as a locked placeholder rather than an
// error, so list views degrade instead of failing. A note that fails
// authentication with the key present is an error: tampering must not be
// mistaken for the locked state.
func (p *PayloadCipher) DecryptNote(note *EncryptedNote) (*DecryptedNote, error) {
	umk, err := p.session.openUMK()
	if errors.Is(err, ErrNotAuthorized) {
		return &DecryptedNote{
			Title:   lockedTitle,
			Preview: lockedPreview,
			Locked:  true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	defer umk.Destroy()

	ciphertext, err := decodeB64("note ciphertext", note.Ciphertext)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeB64("note nonce", note.Nonce)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.Decrypt(ciphertext, nonce, umk.Bytes())
	if err != nil {
		return nil, translateCryptoErr("decrypt note", err)
	}

	var decoded notePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode note payload: %w", err)
	}
	return &DecryptedNote{
		Title:   decoded.Title,
		Body:    decoded.Body,
		Preview: richtext.Preview(decoded.Body, misc.PreviewMaxChars),
	}, nil
}

// EncryptBytes seals an opaque blob, typically a file attachment, under
// the master key. Already-sealed input is returned unchanged, so a
// retried upload never wraps a blob twice.
func (p *PayloadCipher) EncryptBytes(data []byte) ([]byte, error) {
	if crypto.LooksEncrypted(data) {
		return data, nil
	}
	umk, err := p.session.openUMK()
	if err != nil {
		return nil, err
	}
	defer umk.Destroy()
	sealed, err := crypto.EncryptBytes(data, umk.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return sealed, nil
}

// DecryptBytes opens a blob sealed by EncryptBytes.
func (p *PayloadCipher) DecryptBytes(envelope []byte) ([]byte, error) {
	umk, err := p.session.openUMK()
	if err != nil {
		return nil, err
	}
	defer umk.Destroy()
	data, err := crypto.DecryptBytes(envelope, umk.Bytes())
	if err != nil {
		return nil, translateCryptoErr("decrypt payload", err)
	}
	return data, nil
}

// LooksEncrypted reports whether buf carries the sealed-envelope marker.
// Callers use it to decide whether a stored blob still needs sealing.
func LooksEncrypted(buf []byte) bool {
	return crypto.LooksEncrypted(buf)
}
