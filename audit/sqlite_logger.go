package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ensure SQLiteLogger implements Logger interface
var _ Logger = (*SQLiteLogger)(nil)

// sqliteTimeFormat stores timestamps as fixed-width UTC strings so that
// lexical comparison in SQL matches chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	action      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	device_id   TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	metadata    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_account_time ON audit_events(account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
`

type SQLiteOptions struct {
	Path string `json:"path"`
}

// SQLiteLogger implements Logger backed by a SQLite database. Unlike the
// file logger it supports efficient filtered queries over the full history,
// and a single database can hold events for multiple accounts.
type SQLiteLogger struct {
	accountID  string
	config     *Config
	sqliteOpts SQLiteOptions
	db         *sql.DB
}

// NewSQLiteLogger creates a new SQLite-backed audit logger
func NewSQLiteLogger(config *Config) (*SQLiteLogger, error) {
	var sqliteOpts SQLiteOptions
	if err := parseOptions(config.Options, &sqliteOpts); err != nil {
		return nil, fmt.Errorf("invalid sqlite logger options: %w", err)
	}

	if sqliteOpts.Path == "" {
		return nil, fmt.Errorf("path is required for sqlite logger")
	}

	if err := os.MkdirAll(filepath.Dir(sqliteOpts.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteOpts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// WAL keeps readers unblocked while events are appended
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=500"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	db.Exec("PRAGMA synchronous=NORMAL")

	if _, err = db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	return &SQLiteLogger{
		accountID:  config.AccountID,
		config:     config,
		sqliteOpts: sqliteOpts,
		db:         db,
	}, nil
}

// Log implements the Logger interface
func (sl *SQLiteLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(sl.accountID, action, success, metadata)

	metadataJSON := ""
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize audit metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	_, err := sl.db.Exec(`
		INSERT INTO audit_events (id, timestamp, account_id, action, success, error, device_id, source, duration_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Timestamp.UTC().Format(sqliteTimeFormat), event.AccountID, event.Action,
		event.Success, event.Error, event.DeviceID, event.Source, event.Duration, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	return nil
}

// Query implements the Logger interface
func (sl *SQLiteLogger) Query(options QueryOptions) (QueryResult, error) {
	where, args := buildAuditFilter(options)

	var totalCount int
	if err := sl.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&totalCount); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	var filtered int
	if err := sl.db.QueryRow(`SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&filtered); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count filtered audit events: %w", err)
	}

	query := `
		SELECT id, timestamp, account_id, action, success, error, device_id, source, duration_ms, metadata
		FROM audit_events` + where + ` ORDER BY timestamp DESC`
	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)
	} else if options.Offset > 0 {
		query += " LIMIT -1"
	}
	if options.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, options.Offset)
	}

	rows, err := sl.db.Query(query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var timestamp, metadataJSON string
		if err = rows.Scan(&event.ID, &timestamp, &event.AccountID, &event.Action, &event.Success,
			&event.Error, &event.DeviceID, &event.Source, &event.Duration, &metadataJSON); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if event.Timestamp, err = time.Parse(sqliteTimeFormat, timestamp); err != nil {
			return QueryResult{}, fmt.Errorf("failed to parse audit event timestamp: %w", err)
		}
		if metadataJSON != "" {
			if err = json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
				return QueryResult{}, fmt.Errorf("failed to parse audit event metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit events: %w", err)
	}

	return QueryResult{
		Events:     events,
		TotalCount: totalCount,
		Filtered:   filtered,
		HasMore:    options.Offset+len(events) < filtered,
	}, nil
}

// buildAuditFilter translates QueryOptions into a WHERE clause
func buildAuditFilter(options QueryOptions) (string, []interface{}) {
	where := " WHERE 1=1"
	var args []interface{}

	if options.AccountID != "" {
		where += " AND account_id = ?"
		args = append(args, options.AccountID)
	}
	if options.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, options.Since.UTC().Format(sqliteTimeFormat))
	}
	if options.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, options.Until.UTC().Format(sqliteTimeFormat))
	}
	if options.Action != "" {
		where += " AND action = ?"
		args = append(args, options.Action)
	}
	if options.Success != nil {
		where += " AND success = ?"
		args = append(args, *options.Success)
	}
	if options.DeviceID != "" {
		where += " AND device_id = ?"
		args = append(args, options.DeviceID)
	}
	if options.RecoveryAccess {
		// GLOB rather than LIKE: "_" is a LIKE wildcard
		where += " AND action GLOB ?"
		args = append(args, recoveryActionPrefix+"*")
	}

	return where, args
}

// Close implements the Logger interface
func (sl *SQLiteLogger) Close() error {
	if sl.db != nil {
		err := sl.db.Close()
		sl.db = nil
		return err
	}
	return nil
}
