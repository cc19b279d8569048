package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/foxbiz/better-keep-sub001/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second

	// defaultWatchPoll is the interval between S3 listing polls used to
	// synthesize watch events. S3 offers no push notification channel that
	// clients can consume directly, so watches on this backend poll.
	defaultWatchPoll = 3 * time.Second
)

// S3Store implements the Store interface against an S3-compatible object
// store (MinIO, AWS S3). Object layout, one prefix per account:
//
//	bucket/
//	├── [keyPrefix/]account1/
//	│   ├── devices/
//	│   │   ├── 9f3c….json     # one device record per object
//	│   │   └── 41aa….json
//	│   └── recovery_key.json  # recovery key singleton
//	└── [keyPrefix/]account2/
//	    └── …
//
// Object ETags double as document versions: single-part uploads carry the
// content MD5, which matches the version computation of the other backends.
type S3Store struct {
	// client is the MinIO client used to interact with the object store.
	client *minio.Client

	// bucketName is the bucket holding every account's documents.
	bucketName string

	// keyPrefix optionally namespaces this application inside a shared
	// bucket.
	keyPrefix string

	// accountID scopes this store instance to one account's documents.
	accountID string

	// watchPoll is the poll interval backing Watch subscriptions.
	watchPoll time.Duration
}

// S3Config contains the settings required to reach the object store.
type S3Config struct {
	Endpoint        string        `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string        `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `json:"-" yaml:"-"`
	Bucket          string        `json:"bucket" yaml:"bucket"`
	KeyPrefix       string        `json:"key_prefix" yaml:"key_prefix"`
	UseSSL          bool          `json:"use_ssl" yaml:"use_ssl"`
	Region          string        `json:"region" yaml:"region"`
	WatchPoll       time.Duration `json:"watch_poll" yaml:"watch_poll"`
}

// NewS3Store connects to the object store, ensures the bucket exists and
// returns a store scoped to accountID.
func NewS3Store(config S3Config, accountID string) (*S3Store, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("s3 storage requires an endpoint")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket name")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	watchPoll := config.WatchPoll
	if watchPoll <= 0 {
		watchPoll = defaultWatchPoll
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		accountID:  accountID,
		watchPoll:  watchPoll,
	}

	if err = store.ensureBucket(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewS3StoreFromConfig builds an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, accountID string) (*S3Store, error) {
	s3cfg := S3Config{
		Endpoint:        stringOption(config.Config, "endpoint"),
		AccessKeyID:     stringOption(config.Config, "access_key_id"),
		SecretAccessKey: stringOption(config.Config, "secret_access_key"),
		Bucket:          stringOption(config.Config, "bucket"),
		KeyPrefix:       stringOption(config.Config, "key_prefix"),
		Region:          stringOption(config.Config, "region"),
	}
	if useSSL, ok := config.Config["use_ssl"].(bool); ok {
		s3cfg.UseSSL = useSSL
	}
	if poll := stringOption(config.Config, "watch_poll"); poll != "" {
		d, err := time.ParseDuration(poll)
		if err != nil {
			return nil, fmt.Errorf("invalid watch_poll duration: %w", err)
		}
		s3cfg.WatchPoll = d
	}
	return NewS3Store(s3cfg, accountID)
}

func (s3s *S3Store) ensureBucket() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return s3s.wrapErr("ensureBucket", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return s3s.wrapErr("ensureBucket", err)
		}
	}
	return nil
}

func (s3s *S3Store) basePrefix() string {
	if s3s.keyPrefix == "" {
		return ""
	}
	return s3s.keyPrefix + "/"
}

func (s3s *S3Store) accountPrefix() string {
	return s3s.basePrefix() + s3s.accountID + "/"
}

func (s3s *S3Store) devicesPrefix() string {
	return s3s.accountPrefix() + devicesDirName + "/"
}

func (s3s *S3Store) deviceObjectName(deviceID string) string {
	return s3s.devicesPrefix() + deviceID + deviceFileExt
}

func (s3s *S3Store) recoveryObjectName() string {
	return s3s.accountPrefix() + recoveryFile
}

func (s3s *S3Store) ListAccounts() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    s3s.basePrefix(),
		Recursive: true,
	})

	accountSet := make(map[string]bool)
	for object := range objectCh {
		if object.Err != nil {
			return nil, s3s.wrapErr("ListAccounts", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		relativePath := strings.TrimPrefix(object.Key, s3s.basePrefix())
		parts := strings.Split(relativePath, "/")
		if len(parts) > 0 && parts[0] != "" {
			accountSet[parts[0]] = true
		}
	}

	var accounts []string
	for account := range accountSet {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s3s *S3Store) DeleteAccount(accountID string) error {
	if err := validateAccountID(accountID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.basePrefix() + accountID + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var objectNames []string
	for object := range objectCh {
		if object.Err != nil {
			return s3s.wrapErr("DeleteAccount", object.Err)
		}
		objectNames = append(objectNames, object.Key)
	}

	for _, objectName := range objectNames {
		err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
		if err != nil {
			// Don't fail if the object was already deleted
			if minio.ToErrorResponse(err).Code != "NoSuchKey" {
				return s3s.wrapErr("DeleteAccount", err)
			}
		}
	}
	return nil
}

func (s3s *S3Store) SaveDevice(deviceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateDocID(deviceID); err != nil {
		return "", err
	}
	return s3s.saveObject(s3s.deviceObjectName(deviceID), data, expectedVersion, "SaveDevice")
}

func (s3s *S3Store) LoadDevice(deviceID string) (*VersionedDoc, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return s3s.loadObject(s3s.deviceObjectName(deviceID), deviceID)
}

func (s3s *S3Store) DeviceExists(deviceID string) (bool, error) {
	if err := validateDocID(deviceID); err != nil {
		return false, err
	}
	return s3s.objectExists(s3s.deviceObjectName(deviceID))
}

func (s3s *S3Store) ListDevices() ([]*VersionedDoc, error) {
	ids, err := s3s.listDeviceIDs()
	if err != nil {
		return nil, err
	}

	var docs []*VersionedDoc
	for _, id := range ids {
		doc, err := s3s.loadObject(s3s.deviceObjectName(id), id)
		if err != nil {
			// A device deleted between listing and loading is not an error.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s3s *S3Store) listDeviceIDs() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    s3s.devicesPrefix(),
		Recursive: true,
	})

	var ids []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, s3s.wrapErr("ListDevices", object.Err)
		}
		name := strings.TrimPrefix(object.Key, s3s.devicesPrefix())
		if !strings.HasSuffix(name, deviceFileExt) || strings.Contains(name, "/") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, deviceFileExt))
	}
	return ids, nil
}

func (s3s *S3Store) DeleteDevice(deviceID string) error {
	if err := validateDocID(deviceID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.deviceObjectName(deviceID), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return s3s.wrapErr("DeleteDevice", err)
	}
	return nil
}

func (s3s *S3Store) ApplyDeviceBatch(ops []BatchOp) error {
	// Object stores have no multi-object transaction; apply in order and
	// stop at the first failure.
	for _, op := range ops {
		switch op.Kind {
		case BatchPut:
			if _, err := s3s.SaveDevice(op.DeviceID, op.Data, ""); err != nil {
				return fmt.Errorf("batch put %s: %w", op.DeviceID, err)
			}
		case BatchDelete:
			if err := s3s.DeleteDevice(op.DeviceID); err != nil {
				return fmt.Errorf("batch delete %s: %w", op.DeviceID, err)
			}
		default:
			return fmt.Errorf("unknown batch op kind %q", op.Kind)
		}
	}
	return nil
}

func (s3s *S3Store) WatchDevice(ctx context.Context, deviceID string) (<-chan DeviceEvent, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return s3s.watch(ctx, deviceID), nil
}

func (s3s *S3Store) WatchDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	return s3s.watch(ctx, ""), nil
}

// watch polls the device listing and synthesizes events from version diffs.
// The first poll establishes the baseline without emitting anything.
func (s3s *S3Store) watch(ctx context.Context, onlyDeviceID string) <-chan DeviceEvent {
	out := make(chan DeviceEvent, watchBuffer)

	go func() {
		defer close(out)

		known := make(map[string]string)
		first := true

		ticker := time.NewTicker(s3s.watchPoll)
		defer ticker.Stop()

		for {
			current, err := s3s.snapshotVersions(onlyDeviceID)
			if err != nil {
				debug.Print("s3 watch poll failed: %v\n", err)
			} else {
				if !first {
					s3s.emitDiff(ctx, out, known, current)
				}
				known = current
				first = false
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func (s3s *S3Store) snapshotVersions(onlyDeviceID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	versions := make(map[string]string)

	if onlyDeviceID != "" {
		info, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.deviceObjectName(onlyDeviceID), minio.StatObjectOptions{})
		if err != nil {
			if minio.ToErrorResponse(err).Code == "NoSuchKey" {
				return versions, nil
			}
			return nil, s3s.wrapErr("watch", err)
		}
		versions[onlyDeviceID] = cleanETag(info.ETag)
		return versions, nil
	}

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    s3s.devicesPrefix(),
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, s3s.wrapErr("watch", object.Err)
		}
		name := strings.TrimPrefix(object.Key, s3s.devicesPrefix())
		if !strings.HasSuffix(name, deviceFileExt) || strings.Contains(name, "/") {
			continue
		}
		versions[strings.TrimSuffix(name, deviceFileExt)] = cleanETag(object.ETag)
	}
	return versions, nil
}

func (s3s *S3Store) emitDiff(ctx context.Context, out chan<- DeviceEvent, known, current map[string]string) {
	for id, version := range current {
		if known[id] == version {
			continue
		}
		doc, err := s3s.loadObject(s3s.deviceObjectName(id), id)
		if err != nil {
			continue
		}
		select {
		case out <- DeviceEvent{Type: EventPut, DeviceID: id, Doc: doc}:
		case <-ctx.Done():
			return
		default:
		}
	}
	for id := range known {
		if _, stillThere := current[id]; stillThere {
			continue
		}
		select {
		case out <- DeviceEvent{Type: EventDelete, DeviceID: id}:
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s3s *S3Store) SaveRecoveryKey(data []byte, expectedVersion string) (string, error) {
	return s3s.saveObject(s3s.recoveryObjectName(), data, expectedVersion, "SaveRecoveryKey")
}

func (s3s *S3Store) LoadRecoveryKey() (*VersionedDoc, error) {
	return s3s.loadObject(s3s.recoveryObjectName(), recoveryDocID)
}

func (s3s *S3Store) RecoveryKeyExists() (bool, error) {
	return s3s.objectExists(s3s.recoveryObjectName())
}

func (s3s *S3Store) DeleteRecoveryKey() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.recoveryObjectName(), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return s3s.wrapErr("DeleteRecoveryKey", err)
	}
	return nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return s3s.wrapErr("Ping", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) saveObject(objectName string, data []byte, expectedVersion, operation string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
			"Account-Id": s3s.accountID,
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
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
		// Best effort: backends honoring conditional writes reject
		// concurrent modification between the check and the put.
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
				Operation:       operation,
			}
		}
		return "", s3s.wrapErr(operation, err)
	}

	return cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) loadObject(objectName, docID string) (*VersionedDoc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3s.wrapErr("load "+docID, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, s3s.wrapErr("load "+docID, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, s3s.wrapErr("load "+docID, err)
	}

	timestamp := objectInfo.LastModified
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}

	return &VersionedDoc{
		ID:        docID,
		Data:      data,
		Version:   cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, s3s.wrapErr("exists", err)
	}
	return true, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	info, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil
		}
		return "", s3s.wrapErr("getObjectVersion", err)
	}
	return cleanETag(info.ETag), nil
}

// wrapErr classifies backend failures: API errors carrying an S3 error code
// pass through, anything without one is a transport problem.
func (s3s *S3Store) wrapErr(operation string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" {
		return ConnectivityError{Operation: operation, Err: err}
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func isPreconditionFailed(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func stringOption(config map[string]interface{}, key string) string {
	if value, ok := config[key].(string); ok {
		return value
	}
	return ""
}
