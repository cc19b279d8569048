package persist

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	_ "github.com/lib/pq"

	"github.com/foxbiz/better-keep-sub001/internal/debug"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS e2ee_documents (
    account_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    doc_id     TEXT NOT NULL,
    data       BYTEA NOT NULL,
    version    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (account_id, kind, doc_id)
);
`

// PostgresStore implements the Store interface on a PostgreSQL table. One row
// per document, keyed by (account_id, kind, doc_id). Conditional writes run
// inside a transaction with SELECT ... FOR UPDATE, so the version check and
// the update are atomic. Watches poll version snapshots.
type PostgresStore struct {
	db        *sql.DB
	accountID string
	watchPoll time.Duration
}

// PostgresConfig contains the settings required to reach the database.
type PostgresConfig struct {
	DSN       string        `json:"-" yaml:"-"`
	WatchPoll time.Duration `json:"watch_poll" yaml:"watch_poll"`
}

// NewPostgresStore opens the database, verifies connectivity, ensures the
// schema and returns a store scoped to accountID.
func NewPostgresStore(config PostgresConfig, accountID string) (*PostgresStore, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if config.DSN == "" {
		return nil, errors.New("postgres storage requires a DSN")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ConnectivityError{Operation: "connect", Err: err}
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	watchPoll := config.WatchPoll
	if watchPoll <= 0 {
		watchPoll = defaultWatchPoll
	}

	return &PostgresStore{
		db:        db,
		accountID: accountID,
		watchPoll: watchPoll,
	}, nil
}

// NewPostgresStoreFromConfig builds a PostgresStore from a generic
// StoreConfig.
func NewPostgresStoreFromConfig(config StoreConfig, accountID string) (*PostgresStore, error) {
	pcfg := PostgresConfig{
		DSN: stringOption(config.Config, "dsn"),
	}
	if poll := stringOption(config.Config, "watch_poll"); poll != "" {
		d, err := time.ParseDuration(poll)
		if err != nil {
			return nil, fmt.Errorf("invalid watch_poll duration: %w", err)
		}
		pcfg.WatchPoll = d
	}
	return NewPostgresStore(pcfg, accountID)
}

func (p *PostgresStore) ListAccounts() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM e2ee_documents ORDER BY account_id
	`)
	if err != nil {
		return nil, p.wrapErr("ListAccounts", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (p *PostgresStore) DeleteAccount(accountID string) error {
	if err := validateAccountID(accountID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM e2ee_documents WHERE account_id = $1
	`, accountID); err != nil {
		return p.wrapErr("DeleteAccount", err)
	}
	return nil
}

func (p *PostgresStore) SaveDevice(deviceID string, data []byte, expectedVersion string) (string, error) {
	if err := validateDocID(deviceID); err != nil {
		return "", err
	}
	return p.saveDoc(docKindDevice, deviceID, data, expectedVersion, "SaveDevice")
}

func (p *PostgresStore) LoadDevice(deviceID string) (*VersionedDoc, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return p.loadDoc(docKindDevice, deviceID)
}

func (p *PostgresStore) DeviceExists(deviceID string) (bool, error) {
	if err := validateDocID(deviceID); err != nil {
		return false, err
	}
	return p.docExists(docKindDevice, deviceID)
}

func (p *PostgresStore) ListDevices() ([]*VersionedDoc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT doc_id, data, version, updated_at FROM e2ee_documents
		WHERE account_id = $1 AND kind = $2
	`, p.accountID, docKindDevice)
	if err != nil {
		return nil, p.wrapErr("ListDevices", err)
	}
	defer rows.Close()

	var docs []*VersionedDoc
	for rows.Next() {
		doc := &VersionedDoc{}
		if err := rows.Scan(&doc.ID, &doc.Data, &doc.Version, &doc.Timestamp); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (p *PostgresStore) DeleteDevice(deviceID string) error {
	if err := validateDocID(deviceID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM e2ee_documents WHERE account_id = $1 AND kind = $2 AND doc_id = $3
	`, p.accountID, docKindDevice, deviceID); err != nil {
		return p.wrapErr("DeleteDevice", err)
	}
	return nil
}

func (p *PostgresStore) ApplyDeviceBatch(ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return p.wrapErr("ApplyDeviceBatch", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := validateDocID(op.DeviceID); err != nil {
			return err
		}
		switch op.Kind {
		case BatchPut:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO e2ee_documents (account_id, kind, doc_id, data, version, updated_at)
				VALUES ($1, $2, $3, $4, $5, now())
				ON CONFLICT (account_id, kind, doc_id) DO UPDATE SET
					data = EXCLUDED.data,
					version = EXCLUDED.version,
					updated_at = now()
			`, p.accountID, docKindDevice, op.DeviceID, op.Data, calculateDocVersion(op.Data))
			if err != nil {
				return p.wrapErr("ApplyDeviceBatch", fmt.Errorf("put %s: %w", op.DeviceID, err))
			}
		case BatchDelete:
			_, err = tx.ExecContext(ctx, `
				DELETE FROM e2ee_documents WHERE account_id = $1 AND kind = $2 AND doc_id = $3
			`, p.accountID, docKindDevice, op.DeviceID)
			if err != nil {
				return p.wrapErr("ApplyDeviceBatch", fmt.Errorf("delete %s: %w", op.DeviceID, err))
			}
		default:
			return fmt.Errorf("unknown batch op kind %q", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return p.wrapErr("ApplyDeviceBatch", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (p *PostgresStore) WatchDevice(ctx context.Context, deviceID string) (<-chan DeviceEvent, error) {
	if err := validateDocID(deviceID); err != nil {
		return nil, err
	}
	return p.watch(ctx, deviceID), nil
}

func (p *PostgresStore) WatchDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	return p.watch(ctx, ""), nil
}

func (p *PostgresStore) watch(ctx context.Context, onlyDeviceID string) <-chan DeviceEvent {
	out := make(chan DeviceEvent, watchBuffer)

	go func() {
		defer close(out)

		known := make(map[string]string)
		first := true

		ticker := time.NewTicker(p.watchPoll)
		defer ticker.Stop()

		for {
			current, err := p.snapshotVersions(onlyDeviceID)
			if err != nil {
				debug.Print("postgres watch poll failed: %v\n", err)
			} else {
				if !first {
					p.emitDiff(ctx, out, known, current)
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

func (p *PostgresStore) snapshotVersions(onlyDeviceID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	query := `SELECT doc_id, version FROM e2ee_documents WHERE account_id = $1 AND kind = $2`
	args := []interface{}{p.accountID, docKindDevice}
	if onlyDeviceID != "" {
		query += ` AND doc_id = $3`
		args = append(args, onlyDeviceID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.wrapErr("watch", err)
	}
	defer rows.Close()

	versions := make(map[string]string)
	for rows.Next() {
		var docID, version string
		if err := rows.Scan(&docID, &version); err != nil {
			continue
		}
		versions[docID] = version
	}
	return versions, rows.Err()
}

func (p *PostgresStore) emitDiff(ctx context.Context, out chan<- DeviceEvent, known, current map[string]string) {
	for id, version := range current {
		if known[id] == version {
			continue
		}
		doc, err := p.loadDoc(docKindDevice, id)
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

func (p *PostgresStore) SaveRecoveryKey(data []byte, expectedVersion string) (string, error) {
	return p.saveDoc(docKindRecovery, recoveryDocID, data, expectedVersion, "SaveRecoveryKey")
}

func (p *PostgresStore) LoadRecoveryKey() (*VersionedDoc, error) {
	return p.loadDoc(docKindRecovery, recoveryDocID)
}

func (p *PostgresStore) RecoveryKeyExists() (bool, error) {
	return p.docExists(docKindRecovery, recoveryDocID)
}

func (p *PostgresStore) DeleteRecoveryKey() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM e2ee_documents WHERE account_id = $1 AND kind = $2 AND doc_id = $3
	`, p.accountID, docKindRecovery, recoveryDocID); err != nil {
		return p.wrapErr("DeleteRecoveryKey", err)
	}
	return nil
}

func (p *PostgresStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		return ConnectivityError{Operation: "Ping", Err: err}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) GetType() string {
	return string(StoreTypePostgres)
}

func (p *PostgresStore) saveDoc(kind, docID string, data []byte, expectedVersion, operation string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	newVersion := calculateDocVersion(data)

	if expectedVersion == "" {
		// Unconditional upsert: last writer wins.
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO e2ee_documents (account_id, kind, doc_id, data, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (account_id, kind, doc_id) DO UPDATE SET
				data = EXCLUDED.data,
				version = EXCLUDED.version,
				updated_at = now()
		`, p.accountID, kind, docID, data, newVersion)
		if err != nil {
			return "", p.wrapErr(operation, err)
		}
		return newVersion, nil
	}

	// Conditional write: lock the row, compare versions, then update. The
	// row lock makes check and write atomic against concurrent writers.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", p.wrapErr(operation, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var actual string
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM e2ee_documents
		WHERE account_id = $1 AND kind = $2 AND doc_id = $3
		FOR UPDATE
	`, p.accountID, kind, docID).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", p.wrapErr(operation, fmt.Errorf("check version: %w", err))
	}
	if actual != expectedVersion {
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   actual,
			Operation:       operation,
		}
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE e2ee_documents SET data = $4, version = $5, updated_at = now()
		WHERE account_id = $1 AND kind = $2 AND doc_id = $3
	`, p.accountID, kind, docID, data, newVersion); err != nil {
		return "", p.wrapErr(operation, err)
	}

	if err = tx.Commit(); err != nil {
		return "", p.wrapErr(operation, fmt.Errorf("commit: %w", err))
	}
	return newVersion, nil
}

func (p *PostgresStore) loadDoc(kind, docID string) (*VersionedDoc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	doc := &VersionedDoc{ID: docID}
	err := p.db.QueryRowContext(ctx, `
		SELECT data, version, updated_at FROM e2ee_documents
		WHERE account_id = $1 AND kind = $2 AND doc_id = $3
	`, p.accountID, kind, docID).Scan(&doc.Data, &doc.Version, &doc.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, p.wrapErr("load "+docID, err)
	}
	return doc, nil
}

func (p *PostgresStore) docExists(kind, docID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM e2ee_documents
		WHERE account_id = $1 AND kind = $2 AND doc_id = $3
	`, p.accountID, kind, docID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, p.wrapErr("exists", err)
	}
	return true, nil
}

// wrapErr classifies database failures: network-level errors become
// ConnectivityError, SQL-level errors pass through with context.
func (p *PostgresStore) wrapErr(operation string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ConnectivityError{Operation: operation, Err: err}
	}
	return fmt.Errorf("%s: %w", operation, err)
}
