package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const (
	devicesDirName  = "devices"
	recoveryFile    = "recovery_key.json"
	deviceFileExt   = ".json"
	filePermissions = 0600
	dirPermissions  = 0700
)

// FileSystemStore persists an account's documents as JSON files under a base
// directory, one subdirectory per account:
//
//	<basePath>/<accountID>/devices/<deviceID>.json
//	<basePath>/<accountID>/recovery_key.json
//
// Writes go through a temp file plus rename so watchers never observe a
// partially written document. Watches are backed by fsnotify on the devices
// directory.
type FileSystemStore struct {
	basePath    string
	accountID   string
	accountPath string
	devicesPath string
}

// NewFileSystemStore creates (or reopens) a filesystem store rooted at
// basePath for the given account. Directories are created with 0700 and
// files with 0600.
func NewFileSystemStore(basePath string, accountID string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	accountPath := filepath.Join(basePath, accountID)
	devicesPath := filepath.Join(accountPath, devicesDirName)
	if err := os.MkdirAll(devicesPath, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create store directories: %w", err)
	}

	return &FileSystemStore{
		basePath:    basePath,
		accountID:   accountID,
		accountPath: accountPath,
		devicesPath: devicesPath,
	}, nil
}

// NewFileSystemStoreFromConfig builds a FileSystemStore from a StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig, accountID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok || basePath == "" {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}
	return NewFileSystemStore(basePath, accountID)
}

func (fs *FileSystemStore) ListAccounts() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var accounts []string
	for _, entry := range entries {
		if entry.IsDir() {
			accounts = append(accounts, entry.Name())
		}
	}
	return accounts, nil
}

func (fs *FileSystemStore) DeleteAccount(accountID string) error {
	if err := validateAccountID(accountID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(fs.basePath, accountID)); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", accountID, err)
	}
	return nil
}

func (fs *FileSystemStore) devicePath(deviceID string) (string, error) {
	if err := validateDocID(deviceID); err != nil {
		return "", err
	}
	return filepath.Join(fs.devicesPath, deviceID+deviceFileExt), nil
}

func (fs *FileSystemStore) SaveDevice(deviceID string, data []byte, expectedVersion string) (string, error) {
	path, err := fs.devicePath(deviceID)
	if err != nil {
		return "", err
	}
	return fs.saveFile(path, data, expectedVersion, "SaveDevice")
}

func (fs *FileSystemStore) LoadDevice(deviceID string) (*VersionedDoc, error) {
	path, err := fs.devicePath(deviceID)
	if err != nil {
		return nil, err
	}
	return loadFile(path, deviceID)
}

func (fs *FileSystemStore) DeviceExists(deviceID string) (bool, error) {
	path, err := fs.devicePath(deviceID)
	if err != nil {
		return false, err
	}
	return fileExists(path)
}

func (fs *FileSystemStore) ListDevices() ([]*VersionedDoc, error) {
	entries, err := os.ReadDir(fs.devicesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var docs []*VersionedDoc
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, deviceFileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		deviceID := strings.TrimSuffix(name, deviceFileExt)
		doc, err := loadFile(filepath.Join(fs.devicesPath, name), deviceID)
		if err != nil {
			// Racing delete between ReadDir and read.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (fs *FileSystemStore) DeleteDevice(deviceID string) error {
	path, err := fs.devicePath(deviceID)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
	}
	return nil
}

func (fs *FileSystemStore) ApplyDeviceBatch(ops []BatchOp) error {
	for _, op := range ops {
		switch op.Kind {
		case BatchPut:
			if _, err := fs.SaveDevice(op.DeviceID, op.Data, ""); err != nil {
				return fmt.Errorf("batch put %s: %w", op.DeviceID, err)
			}
		case BatchDelete:
			if err := fs.DeleteDevice(op.DeviceID); err != nil {
				return fmt.Errorf("batch delete %s: %w", op.DeviceID, err)
			}
		default:
			return fmt.Errorf("unknown batch op kind %q", op.Kind)
		}
	}
	return nil
}

func (fs *FileSystemStore) WatchDevice(ctx context.Context, deviceID string) (<-chan DeviceEvent, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return fs.watch(ctx, deviceID)
}

func (fs *FileSystemStore) WatchDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	return fs.watch(ctx, "")
}

func (fs *FileSystemStore) watch(ctx context.Context, onlyDeviceID string) (<-chan DeviceEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err = watcher.Add(fs.devicesPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch devices directory: %w", err)
	}

	out := make(chan DeviceEvent, watchBuffer)

	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case fsEvent, ok := <-watcher.Events:
				if !ok {
					return
				}
				event, relevant := fs.translateEvent(fsEvent, onlyDeviceID)
				if !relevant {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors are transient on the platforms this
				// store targets; consumers reconcile by reloading.
			}
		}
	}()

	return out, nil
}

func (fs *FileSystemStore) translateEvent(fsEvent fsnotify.Event, onlyDeviceID string) (DeviceEvent, bool) {
	name := filepath.Base(fsEvent.Name)
	if !strings.HasSuffix(name, deviceFileExt) || strings.HasPrefix(name, ".") {
		return DeviceEvent{}, false
	}
	deviceID := strings.TrimSuffix(name, deviceFileExt)
	if onlyDeviceID != "" && deviceID != onlyDeviceID {
		return DeviceEvent{}, false
	}

	switch {
	case fsEvent.Op.Has(fsnotify.Create) || fsEvent.Op.Has(fsnotify.Write):
		doc, err := loadFile(fsEvent.Name, deviceID)
		if err != nil {
			// The file vanished between the notification and the read:
			// report the deletion instead.
			if errors.Is(err, ErrNotFound) {
				return DeviceEvent{Type: EventDelete, DeviceID: deviceID}, true
			}
			return DeviceEvent{}, false
		}
		return DeviceEvent{Type: EventPut, DeviceID: deviceID, Doc: doc}, true

	case fsEvent.Op.Has(fsnotify.Remove) || fsEvent.Op.Has(fsnotify.Rename):
		return DeviceEvent{Type: EventDelete, DeviceID: deviceID}, true
	}
	return DeviceEvent{}, false
}

func (fs *FileSystemStore) SaveRecoveryKey(data []byte, expectedVersion string) (string, error) {
	return fs.saveFile(filepath.Join(fs.accountPath, recoveryFile), data, expectedVersion, "SaveRecoveryKey")
}

func (fs *FileSystemStore) LoadRecoveryKey() (*VersionedDoc, error) {
	return loadFile(filepath.Join(fs.accountPath, recoveryFile), recoveryDocID)
}

func (fs *FileSystemStore) RecoveryKeyExists() (bool, error) {
	return fileExists(filepath.Join(fs.accountPath, recoveryFile))
}

func (fs *FileSystemStore) DeleteRecoveryKey() error {
	err := os.Remove(filepath.Join(fs.accountPath, recoveryFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete recovery key: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Ping() error {
	if _, err := os.Stat(fs.accountPath); err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// saveFile performs the optimistic-concurrency check against the file's
// current contents, then writes atomically via temp file + rename.
func (fs *FileSystemStore) saveFile(path string, data []byte, expectedVersion, operation string) (string, error) {
	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := writeSecureFile(path, data); err != nil {
		return "", err
	}
	return calculateDocVersion(data), nil
}

func writeSecureFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err = tmp.Chmod(filePermissions); err != nil {
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

func loadFile(path, docID string) (*VersionedDoc, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", docID, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", docID, err)
	}

	return &VersionedDoc{
		ID:        docID,
		Data:      data,
		Version:   calculateDocVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func getFileVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return calculateDocVersion(data), nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
