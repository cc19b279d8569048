package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/foxbiz/better-keep-sub001/internal/debug"
)

const (
	mongoDefaultDatabase   = "keep"
	mongoDefaultCollection = "e2ee_documents"

	docKindDevice   = "device"
	docKindRecovery = "recovery"
)

// mongoDoc is the collection schema. The _id encodes account, kind and
// document ID so change-stream delete events, which carry only the document
// key, can still be attributed to a device.
type mongoDoc struct {
	ID        string    `bson:"_id"`
	AccountID string    `bson:"account_id"`
	Kind      string    `bson:"kind"`
	DocID     string    `bson:"doc_id"`
	Data      []byte    `bson:"data"`
	Version   string    `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore implements the Store interface on a MongoDB collection. Device
// records and the recovery key live in one collection, distinguished by a
// kind field and scoped by account_id.
//
// Watches prefer change streams and fall back to polling when the deployment
// does not support them (standalone servers without a replica set).
type MongoStore struct {
	client    *mongo.Client
	coll      *mongo.Collection
	accountID string
	watchPoll time.Duration
}

// MongoConfig contains the settings required to reach the MongoDB deployment.
type MongoConfig struct {
	URI        string        `json:"uri" yaml:"uri"`
	Database   string        `json:"database" yaml:"database"`
	Collection string        `json:"collection" yaml:"collection"`
	WatchPoll  time.Duration `json:"watch_poll" yaml:"watch_poll"`
}

// NewMongoStore connects to MongoDB, verifies connectivity, ensures indexes
// and returns a store scoped to accountID.
func NewMongoStore(ctx context.Context, config MongoConfig, accountID string) (*MongoStore, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if config.URI == "" {
		return nil, errors.New("mongodb storage requires a connection URI")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, ConnectivityError{Operation: "connect", Err: err}
	}

	database := config.Database
	if database == "" {
		database = mongoDefaultDatabase
	}
	collection := config.Collection
	if collection == "" {
		collection = mongoDefaultCollection
	}
	coll := client.Database(database).Collection(collection)

	// Index supporting the per-account listing queries. _id already carries
	// the uniqueness guarantee.
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "kind", Value: 1}},
	})

	watchPoll := config.WatchPoll
	if watchPoll <= 0 {
		watchPoll = defaultWatchPoll
	}

	return &MongoStore{
		client:    client,
		coll:      coll,
		accountID: accountID,
		watchPoll: watchPoll,
	}, nil
}

// NewMongoStoreFromConfig builds a MongoStore from a generic StoreConfig.
func NewMongoStoreFromConfig(config StoreConfig, accountID string) (*MongoStore, error) {
	mcfg := MongoConfig{
		URI:        stringOption(config.Config, "uri"),
		Database:   stringOption(config.Config, "database"),
		Collection: stringOption(config.Config, "collection"),
	}
	if poll := stringOption(config.Config, "watch_poll"); poll != "" {
		d, err := time.ParseDuration(poll)
		if err != nil {
			return nil, fmt.Errorf("invalid watch_poll duration: %w", err)
		}
		mcfg.WatchPoll = d
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return NewMongoStore(ctx, mcfg, accountID)
}

func mongoDocKey(accountID, kind, docID string) string {
	return accountID + "/" + kind + "/" + docID
}

func (m *MongoStore) deviceKey(deviceID string) string {
	return mongoDocKey(m.accountID, docKindDevice, deviceID)
}

func (m *MongoStore) recoveryKey() string {
	return mongoDocKey(m.accountID, docKindRecovery, recoveryDocID)
}

func (m *MongoStore) ListAccounts() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	values, err := m.coll.Distinct(ctx, "account_id", bson.M{})
	if err != nil {
		return nil, m.wrapErr("ListAccounts", err)
	}

	var accounts []string
	for _, value := range values {
		if account, ok := value.(string); ok && account != "" {
			accounts = append(accounts, account)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (m *MongoStore) DeleteAccount(accountID string) error {
	if err := validateAccountID(accountID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if _, err := m.coll.DeleteMany(ctx, bson.M{"account_id": accountID}); err != nil {
		return m.wrapErr("DeleteAccount", err)
	}
	return nil
}

func (m *MongoStore) SaveDevice(deviceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateDocID(deviceID); err != nil {
		return "", err
	}
	return m.saveDoc(m.deviceKey(deviceID), docKindDevice, deviceID, data, expectedVersion, "SaveDevice")
}

func (m *MongoStore) LoadDevice(deviceID string) (*VersionedDoc, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return m.loadDoc(m.deviceKey(deviceID), deviceID)
}

func (m *MongoStore) DeviceExists(deviceID string) (bool, error) {
	if err := validateDocID(deviceID); err != nil {
		return false, err
	}
	return m.docExists(m.deviceKey(deviceID))
}

func (m *MongoStore) ListDevices() ([]*VersionedDoc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	cur, err := m.coll.Find(ctx, bson.M{"account_id": m.accountID, "kind": docKindDevice})
	if err != nil {
		return nil, m.wrapErr("ListDevices", err)
	}
	defer cur.Close(ctx)

	var docs []*VersionedDoc
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode device document: %w", err)
		}
		docs = append(docs, doc.toVersionedDoc())
	}
	if err := cur.Err(); err != nil {
		return nil, m.wrapErr("ListDevices", err)
	}
	return docs, nil
}

func (m *MongoStore) DeleteDevice(deviceID string) error {
	if err := validateDocID(deviceID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": m.deviceKey(deviceID)}); err != nil {
		return m.wrapErr("DeleteDevice", err)
	}
	return nil
}

func (m *MongoStore) ApplyDeviceBatch(ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	// One ordered bulk write. Not transactional on standalone deployments,
	// but a single round trip that stops at the first failure.
	models := make([]mongo.WriteModel, 0, len(ops))
	now := time.Now().UTC()
	for _, op := range ops {
		if err := validateDocID(op.DeviceID); err != nil {
			return err
		}
		switch op.Kind {
		case BatchPut:
			doc := mongoDoc{
				ID:        m.deviceKey(op.DeviceID),
				AccountID: m.accountID,
				Kind:      docKindDevice,
				DocID:     op.DeviceID,
				Data:      op.Data,
				Version:   calculateDocVersion(op.Data),
				UpdatedAt: now,
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": doc.ID}).
				SetReplacement(doc).
				SetUpsert(true))
		case BatchDelete:
			models = append(models, mongo.NewDeleteOneModel().
				SetFilter(bson.M{"_id": m.deviceKey(op.DeviceID)}))
		default:
			return fmt.Errorf("unknown batch op kind %q", op.Kind)
		}
	}

	if _, err := m.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return m.wrapErr("ApplyDeviceBatch", err)
	}
	return nil
}

func (m *MongoStore) WatchDevice(ctx context.Context, deviceID string) (<-chan DeviceEvent, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return m.watch(ctx, deviceID), nil
}

func (m *MongoStore) WatchDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	return m.watch(ctx, ""), nil
}

func (m *MongoStore) watch(ctx context.Context, onlyDeviceID string) <-chan DeviceEvent {
	out := make(chan DeviceEvent, watchBuffer)

	go func() {
		defer close(out)

		stream, err := m.coll.Watch(ctx, mongo.Pipeline{},
			options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			// Standalone deployments have no oplog; poll instead.
			debug.Print("mongo change stream unavailable, polling: %v\n", err)
			m.pollWatch(ctx, out, onlyDeviceID)
			return
		}
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var change struct {
				OperationType string   `bson:"operationType"`
				FullDocument  mongoDoc `bson:"fullDocument"`
				DocumentKey   struct {
					ID string `bson:"_id"`
				} `bson:"documentKey"`
			}
			if err := stream.Decode(&change); err != nil {
				debug.Print("mongo change stream decode failed: %v\n", err)
				continue
			}

			event, ok := m.translateChange(change.OperationType, change.DocumentKey.ID, change.FullDocument, onlyDeviceID)
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return out
}

// translateChange maps a change-stream event onto a DeviceEvent, filtering
// out other accounts, the recovery document and, when set, other devices.
func (m *MongoStore) translateChange(opType, docKey string, full mongoDoc, onlyDeviceID string) (DeviceEvent, bool) {
	prefix := m.accountID + "/" + docKindDevice + "/"
	if !strings.HasPrefix(docKey, prefix) {
		return DeviceEvent{}, false
	}
	deviceID := strings.TrimPrefix(docKey, prefix)
	if onlyDeviceID != "" && deviceID != onlyDeviceID {
		return DeviceEvent{}, false
	}

	switch opType {
	case "insert", "update", "replace":
		if full.ID == "" {
			return DeviceEvent{}, false
		}
		return DeviceEvent{Type: EventPut, DeviceID: deviceID, Doc: full.toVersionedDoc()}, true
	case "delete":
		return DeviceEvent{Type: EventDelete, DeviceID: deviceID}, true
	default:
		return DeviceEvent{}, false
	}
}

// pollWatch mirrors the object-store watch: diff version snapshots on a
// ticker.
func (m *MongoStore) pollWatch(ctx context.Context, out chan<- DeviceEvent, onlyDeviceID string) {
	known := make(map[string]string)
	first := true

	ticker := time.NewTicker(m.watchPoll)
	defer ticker.Stop()

	for {
		current, err := m.snapshotVersions(onlyDeviceID)
		if err != nil {
			debug.Print("mongo watch poll failed: %v\n", err)
		} else {
			if !first {
				m.emitDiff(ctx, out, known, current)
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
}

func (m *MongoStore) snapshotVersions(onlyDeviceID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	filter := bson.M{"account_id": m.accountID, "kind": docKindDevice}
	if onlyDeviceID != "" {
		filter["doc_id"] = onlyDeviceID
	}

	cur, err := m.coll.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"doc_id": 1, "version": 1}))
	if err != nil {
		return nil, m.wrapErr("watch", err)
	}
	defer cur.Close(ctx)

	versions := make(map[string]string)
	for cur.Next(ctx) {
		var doc struct {
			DocID   string `bson:"doc_id"`
			Version string `bson:"version"`
		}
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		versions[doc.DocID] = doc.Version
	}
	return versions, cur.Err()
}

func (m *MongoStore) emitDiff(ctx context.Context, out chan<- DeviceEvent, known, current map[string]string) {
	for id, version := range current {
		if known[id] == version {
			continue
		}
		doc, err := m.loadDoc(m.deviceKey(id), id)
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

func (m *MongoStore) SaveRecoveryKey(data []byte, expectedVersion string) (string, error) {
	return m.saveDoc(m.recoveryKey(), docKindRecovery, recoveryDocID, data, expectedVersion, "SaveRecoveryKey")
}

func (m *MongoStore) LoadRecoveryKey() (*VersionedDoc, error) {
	return m.loadDoc(m.recoveryKey(), recoveryDocID)
}

func (m *MongoStore) RecoveryKeyExists() (bool, error) {
	return m.docExists(m.recoveryKey())
}

func (m *MongoStore) DeleteRecoveryKey() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": m.recoveryKey()}); err != nil {
		return m.wrapErr("DeleteRecoveryKey", err)
	}
	return nil
}

func (m *MongoStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		return ConnectivityError{Operation: "Ping", Err: err}
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) GetType() string {
	return string(StoreTypeMongoDB)
}

func (m *MongoStore) saveDoc(key, kind, docID string, data []byte, expectedVersion, operation string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	newVersion := calculateDocVersion(data)
	now := time.Now().UTC()

	if expectedVersion == "" {
		// Unconditional upsert: last writer wins.
		_, err := m.coll.UpdateOne(
			ctx,
			bson.M{"_id": key},
			bson.M{
				"$set": bson.M{
					"account_id": m.accountID,
					"kind":       kind,
					"doc_id":     docID,
					"data":       data,
					"version":    newVersion,
					"updated_at": now,
				},
				"$setOnInsert": bson.M{
					"created_at": now,
				},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return "", m.wrapErr(operation, err)
		}
		return newVersion, nil
	}

	// Conditional write: only replace the document if it still carries the
	// version the caller read.
	result, err := m.coll.UpdateOne(
		ctx,
		bson.M{"_id": key, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"data":       data,
			"version":    newVersion,
			"updated_at": now,
		}},
	)
	if err != nil {
		return "", m.wrapErr(operation, err)
	}
	if result.MatchedCount == 0 {
		actual, verr := m.getDocVersion(ctx, key)
		if verr != nil {
			return "", verr
		}
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   actual,
			Operation:       operation,
		}
	}
	return newVersion, nil
}

func (m *MongoStore) loadDoc(key, docID string) (*VersionedDoc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, m.wrapErr("load "+docID, err)
	}
	return doc.toVersionedDoc(), nil
}

func (m *MongoStore) docExists(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := m.coll.FindOne(ctx, bson.M{"_id": key},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, m.wrapErr("exists", err)
	}
	return true, nil
}

func (m *MongoStore) getDocVersion(ctx context.Context, key string) (string, error) {
	var doc struct {
		Version string `bson:"version"`
	}
	err := m.coll.FindOne(ctx, bson.M{"_id": key},
		options.FindOne().SetProjection(bson.M{"version": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", m.wrapErr("getDocVersion", err)
	}
	return doc.Version, nil
}

func (d mongoDoc) toVersionedDoc() *VersionedDoc {
	return &VersionedDoc{
		ID:        d.DocID,
		Data:      d.Data,
		Version:   d.Version,
		Timestamp: d.UpdatedAt,
	}
}

// wrapErr classifies driver failures: timeouts and network errors become
// ConnectivityError, everything else passes through with context.
func (m *MongoStore) wrapErr(operation string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return ConnectivityError{Operation: operation, Err: err}
	}
	return fmt.Errorf("%s: %w", operation, err)
}
