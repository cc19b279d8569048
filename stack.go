// Package e2ee implements client-side key custody for end-to-end encrypted
// content. Every account is protected by a single 32-byte master key that
// exists in clear only inside process memory: at rest it is always wrapped,
// either for a specific device via an ECDH shared secret between device key
// pairs, or under a passphrase-derived key as the account recovery key.
// Devices join by being approved from an already-approved device, and an
// account whose devices are all lost comes back through the recovery
// passphrase.
//
// The wrap between devices uses the raw X25519 shared secret directly as
// the AEAD key. That matches the deployed record format; a stronger
// construction would run the secret through a KDF and version the wrap
// format.
package e2ee

import (
	"fmt"
	"log"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/internal/mem"
	"github.com/foxbiz/better-keep-sub001/keystore"
	"github.com/foxbiz/better-keep-sub001/persist"
)

func init() {
	// Wipe enclaves before dying on SIGINT/SIGTERM.
	memguard.CatchInterrupt()
}

// Identity is the authentication context the embedding application
// provides: which account this process acts for, and how to end the
// session. The custody subsystem never sees credentials.
type Identity interface {
	AccountID() (string, error)
	SignOut() error
}

// Stack wires the custody subsystem together for one signed-in account:
// remote persistence, the local device keystore, the in-memory session,
// and the managers on top. Create one with New, drive it through
// Orchestrator, and Close it on shutdown.
type Stack struct {
	options  Options
	identity Identity
	store    persist.Store
	keys     keystore.Store
	audit    audit.Logger

	session      *sessionKeys
	trust        *TrustManager
	recovery     *RecoveryManager
	payload      *PayloadCipher
	orchestrator *Orchestrator

	protection mem.ProtectionLevel

	mu     sync.Mutex
	closed bool
}

// New assembles a Stack from its backing services. The store must be
// reachable; a nil audit logger disables auditing.
func New(options Options, identity Identity, keys keystore.Store, store persist.Store, auditLogger audit.Logger) (*Stack, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults()
	if identity == nil {
		return nil, fmt.Errorf("identity cannot be nil")
	}
	if keys == nil {
		return nil, fmt.Errorf("keystore cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("store is not reachable: %w", err)
	}

	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Printf("WARNING: could not lock process memory: %v\n", err)
		}
		protection = level
	}

	session := newSessionKeys()
	trust := newTrustManager(store, keys, session, auditLogger, options)
	recovery := newRecoveryManager(store, trust, session, auditLogger, options)

	return &Stack{
		options:      options,
		identity:     identity,
		store:        store,
		keys:         keys,
		audit:        auditLogger,
		session:      session,
		trust:        trust,
		recovery:     recovery,
		payload:      newPayloadCipher(session),
		orchestrator: newOrchestrator(trust, recovery, store, keys, session, identity, auditLogger, options),
		protection:   protection,
	}, nil
}

// Trust exposes device registration, approval and revocation.
func (s *Stack) Trust() *TrustManager { return s.trust }

// Recovery exposes the passphrase recovery key operations.
func (s *Stack) Recovery() *RecoveryManager { return s.recovery }

// Payload exposes content sealing under the session master key.
func (s *Stack) Payload() *PayloadCipher { return s.payload }

// Orchestrator exposes the custody state machine.
func (s *Stack) Orchestrator() *Orchestrator { return s.orchestrator }

// MemoryProtection reports how much of the process memory could be locked
// against swapping at startup.
func (s *Stack) MemoryProtection() mem.ProtectionLevel { return s.protection }

// AccountID returns the account this stack acts for.
func (s *Stack) AccountID() (string, error) {
	return s.identity.AccountID()
}

// Close stops background work, wipes the in-memory session and closes the
// backing services. The device keystore keeps its contents; destroying
// local secrets is Logout's job, not Close's. Safe to call twice.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.orchestrator.teardown()
	s.session.clear()
	logAudit(s.audit, "shutdown", nil, nil)

	var errs []error
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit logger: %w", err))
	}
	if err := s.keys.Close(); err != nil {
		errs = append(errs, fmt.Errorf("keystore: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
