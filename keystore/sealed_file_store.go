package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/foxbiz/better-keep-sub001/internal/crypto"
	"github.com/foxbiz/better-keep-sub001/internal/misc"
)

const (
	sealedFormatVersion = 1
	sealedFileAlg       = "xchacha20poly1305"

	// sealedAADPrefix plus the account ID forms the associated data of every
	// seal. A sealed file moved between accounts therefore fails
	// authentication instead of handing one account another account's keys.
	sealedAADPrefix = "keep keystore v1:"
)

// sealedFileV1 is the on-disk wrapper around the sealed entry map.
type sealedFileV1 struct {
	V        int    `json:"v"`
	Alg      string `json:"alg"`
	NonceB64 string `json:"nonce_b64"`
	CtB64    string `json:"ct_b64"`
}

// SealedFileStore keeps the whole store in a single file whose contents are
// AEAD-sealed under an application-provisioned 32-byte key. It is the backend
// for platforms without a native secret service: the file may sit on ordinary
// storage because nothing in it is readable without the sealing key.
//
// Every mutation reseals the complete entry map with a fresh nonce and
// rewrites the file atomically, so a crash leaves either the old or the new
// store, never a torn one.
type SealedFileStore struct {
	path      string
	accountID string
	key       []byte

	mu      sync.Mutex
	entries map[string][]byte // nil until first load
	closed  bool
}

// SealedFileConfig holds the configuration for a SealedFileStore.
type SealedFileConfig struct {
	// Path is the location of the sealed store file. Its directory is
	// created on demand with 0700.
	Path string `json:"path" yaml:"path"`

	// Key is the 32-byte sealing key. The embedding application provisions
	// it (typically from the OS keyring or its own secret channel); it is
	// never written next to the file.
	Key []byte `json:"-" yaml:"-"`
}

// NewSealedFileStore creates (or reopens) a sealed file store for the given
// account. The file itself is created lazily on the first write.
func NewSealedFileStore(config SealedFileConfig, accountID string) (*SealedFileStore, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if config.Path == "" {
		return nil, fmt.Errorf("sealed key store requires a file path")
	}
	if len(config.Key) != misc.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", misc.KeySize, len(config.Key))
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	key := make([]byte, len(config.Key))
	copy(key, config.Key)

	return &SealedFileStore{
		path:      config.Path,
		accountID: accountID,
		key:       key,
	}, nil
}

// NewSealedFileStoreFromConfig builds a SealedFileStore from a StoreConfig.
// The sealing key travels base64-encoded under "key_b64".
func NewSealedFileStoreFromConfig(config StoreConfig, accountID string) (*SealedFileStore, error) {
	cfg := SealedFileConfig{
		Path: stringOption(config.Config, "path"),
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sealed key store requires 'path' in config")
	}

	keyB64 := stringOption(config.Config, "key_b64")
	if keyB64 == "" {
		return nil, fmt.Errorf("sealed key store requires 'key_b64' in config")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid 'key_b64' in config: %w", err)
	}
	cfg.Key = key

	return NewSealedFileStore(cfg, accountID)
}

func (s *SealedFileStore) aad() []byte {
	return []byte(sealedAADPrefix + s.accountID)
}

// load decrypts the store file into memory. A missing file is an empty store,
// not an error; anything else that fails to parse or authenticate is.
// Callers must hold s.mu.
func (s *SealedFileStore) load() error {
	if s.entries != nil {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.entries = make(map[string][]byte)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read key store file: %w", err)
	}

	var wrapper sealedFileV1
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("failed to parse key store file: %w", err)
	}
	if wrapper.V != sealedFormatVersion || wrapper.Alg != sealedFileAlg ||
		wrapper.NonceB64 == "" || wrapper.CtB64 == "" {
		return fmt.Errorf("not a sealed key store file: %s", s.path)
	}

	nonce, err := base64.StdEncoding.DecodeString(wrapper.NonceB64)
	if err != nil {
		return fmt.Errorf("invalid nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wrapper.CtB64)
	if err != nil {
		return fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return fmt.Errorf("invalid nonce length %d, want %d", len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return fmt.Errorf("sealed payload too short")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, s.aad())
	if err != nil {
		// Wrong key, wrong account, or a tampered file all land here.
		return fmt.Errorf("failed to unseal key store: %w", crypto.ErrAuthentication)
	}

	entries := make(map[string][]byte)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return fmt.Errorf("failed to parse unsealed entries: %w", err)
	}
	s.entries = entries
	return nil
}

// save reseals the whole entry map under a fresh nonce and rewrites the file
// atomically. Callers must hold s.mu.
func (s *SealedFileStore) save() error {
	plaintext, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, s.aad())

	wrapper := sealedFileV1{
		V:        sealedFormatVersion,
		Alg:      sealedFileAlg,
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CtB64:    base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("failed to encode key store file: %w", err)
	}

	return writeSealedFile(s.path, raw)
}

// Set stores a copy of value under key and reseals the store.
func (s *SealedFileStore) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("key store is closed")
	}
	if err := s.load(); err != nil {
		return err
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[key] = buf
	return s.save()
}

// Get retrieves a copy of the value stored under key.
func (s *SealedFileStore) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("key store is closed")
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	value, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Has checks whether a value exists for key.
func (s *SealedFileStore) Has(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, fmt.Errorf("key store is closed")
	}
	if err := s.load(); err != nil {
		return false, err
	}

	_, ok := s.entries[key]
	return ok, nil
}

// Delete removes the value stored under key and reseals the store. Absent
// keys are not an error.
func (s *SealedFileStore) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("key store is closed")
	}
	if err := s.load(); err != nil {
		return err
	}

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.save()
}

// Purge removes the store file and forgets every entry. The next write
// starts a fresh sealed file.
func (s *SealedFileStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("key store is closed")
	}

	for _, value := range s.entries {
		for i := range value {
			value[i] = 0
		}
	}
	s.entries = make(map[string][]byte)

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove key store file: %w", err)
	}
	return nil
}

// Close zeroes the in-memory entries and the sealing key. The file on disk
// is untouched.
func (s *SealedFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	for _, value := range s.entries {
		for i := range value {
			value[i] = 0
		}
	}
	s.entries = nil
	for i := range s.key {
		s.key[i] = 0
	}
	s.closed = true
	return nil
}

// GetType returns the store type identifier.
func (s *SealedFileStore) GetType() string {
	return string(StoreTypeSealedFile)
}

// writeSealedFile writes data through a temp file plus rename so a crash
// never leaves a truncated store on disk.
func writeSealedFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err = tmp.Chmod(misc.FilePermissions); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}
