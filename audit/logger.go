// Package audit provides append-only logging of trust-altering operations:
// device registration and approval, revocation, recovery key usage, and
// account status transitions. Events are written through a pluggable Logger
// so deployments can choose between a local JSONL file, a SQLite database,
// syslog, or no auditing at all.
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled"`
	AccountID string                 `json:"account_id"`
	Type      ConfigType             `json:"type"`    // "file", "sqlite", "syslog"
	Options   map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel  string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SQLiteAuditType ConfigType = "sqlite"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// recoveryActionPrefix groups every recovery key operation (create, verify,
// recover, update, remove, export, import) for filtered queries.
const recoveryActionPrefix = "recovery_"

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	AccountID string                 `json:"account_id"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"` // originating component, hostname, etc.
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	AccountID      string
	Since          *time.Time
	Until          *time.Time
	Action         string
	Success        *bool // nil = all, true = only success, false = only failures
	DeviceID       string
	Limit          int
	Offset         int
	RecoveryAccess bool // Filter for recovery key events only
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SQLiteAuditType:
		return NewSQLiteLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event from a Log call. Well-known metadata keys
// (device_id, error, source, duration_ms) are lifted into typed fields so
// sinks can index and filter on them; the remaining metadata is carried
// verbatim. The caller's map is never mutated.
func newEvent(accountID, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Action:    action,
		Success:   success,
	}

	if len(metadata) == 0 {
		return event
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		rest[k] = v
	}

	if v, ok := rest["device_id"].(string); ok {
		event.DeviceID = v
		delete(rest, "device_id")
	}
	if v, ok := rest["error"].(string); ok {
		event.Error = v
		delete(rest, "error")
	}
	if v, ok := rest["source"].(string); ok {
		event.Source = v
		delete(rest, "source")
	}
	switch v := rest["duration_ms"].(type) {
	case int64:
		event.Duration = v
		delete(rest, "duration_ms")
	case int:
		event.Duration = int64(v)
		delete(rest, "duration_ms")
	case float64:
		event.Duration = int64(v)
		delete(rest, "duration_ms")
	}

	if len(rest) > 0 {
		event.Metadata = rest
	}

	return event
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	// Account filter
	if options.AccountID != "" && event.AccountID != options.AccountID {
		return false
	}

	// Time range filter
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}

	// Action filter
	if options.Action != "" && event.Action != options.Action {
		return false
	}

	// Success filter
	if options.Success != nil && event.Success != *options.Success {
		return false
	}

	// Device filter
	if options.DeviceID != "" && event.DeviceID != options.DeviceID {
		return false
	}

	// Recovery access filter
	if options.RecoveryAccess && !strings.HasPrefix(event.Action, recoveryActionPrefix) {
		return false
	}

	return true
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return uuid.New().String()
}
