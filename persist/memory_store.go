package persist

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and examples. It is safe
// for concurrent use and delivers watch events synchronously with writes,
// which makes multi-device flows deterministic in tests.
type MemoryStore struct {
	accountID string

	mu          sync.RWMutex
	devices     map[string]*VersionedDoc
	recoveryKey *VersionedDoc
	closed      bool

	subMu  sync.Mutex
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	deviceID string // "" means all devices
	ch       chan DeviceEvent
}

// NewMemoryStore creates an empty in-memory store scoped to accountID.
func NewMemoryStore(accountID string) (*MemoryStore, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	return &MemoryStore{
		accountID: accountID,
		devices:   make(map[string]*VersionedDoc),
		subs:      make(map[int]*memorySub),
	}, nil
}

func (m *MemoryStore) ListAccounts() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.devices) == 0 && m.recoveryKey == nil {
		return nil, nil
	}
	return []string{m.accountID}, nil
}

func (m *MemoryStore) DeleteAccount(accountID string) error {
	if accountID != m.accountID {
		return fmt.Errorf("unknown account %q", accountID)
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.devices = make(map[string]*VersionedDoc)
	m.recoveryKey = nil
	m.mu.Unlock()

	for _, id := range ids {
		m.publish(DeviceEvent{Type: EventDelete, DeviceID: id})
	}
	return nil
}

func (m *MemoryStore) SaveDevice(deviceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateDocID(deviceID); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("store is closed")
	}

	if expectedVersion != "" {
		current := ""
		if existing, ok := m.devices[deviceID]; ok {
			current = existing.Version
		}
		if current != expectedVersion {
			m.mu.Unlock()
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SaveDevice",
			}
		}
	}

	doc := &VersionedDoc{
		ID:        deviceID,
		Data:      append([]byte(nil), data...),
		Version:   calculateDocVersion(data),
		Timestamp: time.Now().UTC(),
	}
	m.devices[deviceID] = doc
	m.mu.Unlock()

	m.publish(DeviceEvent{Type: EventPut, DeviceID: deviceID, Doc: copyDoc(doc)})
	return doc.Version, nil
}

func (m *MemoryStore) LoadDevice(deviceID string) (*VersionedDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return copyDoc(doc), nil
}

func (m *MemoryStore) DeviceExists(deviceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.devices[deviceID]
	return ok, nil
}

func (m *MemoryStore) ListDevices() ([]*VersionedDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]*VersionedDoc, 0, len(m.devices))
	for _, doc := range m.devices {
		docs = append(docs, copyDoc(doc))
	}
	return docs, nil
}

func (m *MemoryStore) DeleteDevice(deviceID string) error {
	m.mu.Lock()
	_, existed := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if existed {
		m.publish(DeviceEvent{Type: EventDelete, DeviceID: deviceID})
	}
	return nil
}

func (m *MemoryStore) ApplyDeviceBatch(ops []BatchOp) error {
	for _, op := range ops {
		switch op.Kind {
		case BatchPut:
			if _, err := m.SaveDevice(op.DeviceID, op.Data, ""); err != nil {
				return fmt.Errorf("batch put %s: %w", op.DeviceID, err)
			}
		case BatchDelete:
			if err := m.DeleteDevice(op.DeviceID); err != nil {
				return fmt.Errorf("batch delete %s: %w", op.DeviceID, err)
			}
		default:
			return fmt.Errorf("unknown batch op kind %q", op.Kind)
		}
	}
	return nil
}

func (m *MemoryStore) WatchDevice(ctx context.Context, deviceID string) (<-chan DeviceEvent, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, deviceID)
}

func (m *MemoryStore) WatchDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	return m.subscribe(ctx, "")
}

func (m *MemoryStore) subscribe(ctx context.Context, deviceID string) (<-chan DeviceEvent, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("store is closed")
	}

	sub := &memorySub{
		deviceID: deviceID,
		ch:       make(chan DeviceEvent, watchBuffer),
	}

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
		m.subMu.Unlock()
	}()

	return sub.ch, nil
}

func (m *MemoryStore) publish(event DeviceEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, sub := range m.subs {
		if sub.deviceID != "" && sub.deviceID != event.DeviceID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow consumer; it reconciles by reloading.
		}
	}
}

func (m *MemoryStore) SaveRecoveryKey(data []byte, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", fmt.Errorf("store is closed")
	}

	if expectedVersion != "" {
		current := ""
		if m.recoveryKey != nil {
			current = m.recoveryKey.Version
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SaveRecoveryKey",
			}
		}
	}

	m.recoveryKey = &VersionedDoc{
		ID:        recoveryDocID,
		Data:      append([]byte(nil), data...),
		Version:   calculateDocVersion(data),
		Timestamp: time.Now().UTC(),
	}
	return m.recoveryKey.Version, nil
}

func (m *MemoryStore) LoadRecoveryKey() (*VersionedDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.recoveryKey == nil {
		return nil, fmt.Errorf("recovery key: %w", ErrNotFound)
	}
	return copyDoc(m.recoveryKey), nil
}

func (m *MemoryStore) RecoveryKeyExists() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recoveryKey != nil, nil
}

func (m *MemoryStore) DeleteRecoveryKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryKey = nil
	return nil
}

func (m *MemoryStore) Ping() error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subMu.Lock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
	m.subMu.Unlock()
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

func copyDoc(doc *VersionedDoc) *VersionedDoc {
	if doc == nil {
		return nil
	}
	return &VersionedDoc{
		ID:        doc.ID,
		Data:      append([]byte(nil), doc.Data...),
		Version:   doc.Version,
		Timestamp: doc.Timestamp,
	}
}
