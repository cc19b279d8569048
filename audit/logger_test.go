package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAuditAccount = "audit-test-account"

// seedAuditEvents logs a fixed mix of trust operations: successes and
// failures, three distinct devices, and two recovery key events.
func seedAuditEvents(t *testing.T, logger Logger) {
	t.Helper()

	entries := []struct {
		action   string
		success  bool
		metadata map[string]interface{}
	}{
		{"register_first_device", true, map[string]interface{}{"device_id": "dev-a"}},
		{"approve_device", true, map[string]interface{}{"device_id": "dev-b", "approved_by": "dev-a"}},
		{"unwrap_umk", true, map[string]interface{}{"device_id": "dev-b"}},
		{"approve_device", false, map[string]interface{}{"device_id": "dev-c", "error": "device not found"}},
		{"recovery_create", true, nil},
		{"recovery_verify", false, map[string]interface{}{"error": "invalid passphrase"}},
		{"revoke_device", true, map[string]interface{}{"device_id": "dev-c"}},
	}

	for _, entry := range entries {
		require.NoError(t, logger.Log(entry.action, entry.success, entry.metadata))
	}
}

func actionsOf(events []Event) []string {
	actions := make([]string, 0, len(events))
	for _, event := range events {
		actions = append(actions, event.Action)
	}
	return actions
}

// testAuditQueryFilters seeds a logger and runs the query filter suite
// against it. Both queryable sinks must behave identically here.
func testAuditQueryFilters(t *testing.T, logger Logger) {
	seedAuditEvents(t, logger)

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Len(t, result.Events, 7)
		assert.Equal(t, 7, result.Filtered)
		assert.Equal(t, 7, result.TotalCount)
		assert.False(t, result.HasMore)

		// Newest first
		for i := 1; i < len(result.Events); i++ {
			assert.False(t, result.Events[i].Timestamp.After(result.Events[i-1].Timestamp))
		}
	})

	t.Run("ByAction", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "approve_device"})
		require.NoError(t, err)
		require.Len(t, result.Events, 2)
		for _, event := range result.Events {
			assert.Equal(t, "approve_device", event.Action)
		}
	})

	t.Run("ByFailure", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"approve_device", "recovery_verify"}, actionsOf(result.Events))
		for _, event := range result.Events {
			assert.False(t, event.Success)
			assert.NotEmpty(t, event.Error)
		}
	})

	t.Run("ByDevice", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{DeviceID: "dev-b"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"approve_device", "unwrap_umk"}, actionsOf(result.Events))
	})

	t.Run("RecoveryOnly", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{RecoveryAccess: true})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"recovery_create", "recovery_verify"}, actionsOf(result.Events))
	})

	t.Run("ByAccount", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{AccountID: testAuditAccount})
		require.NoError(t, err)
		assert.Len(t, result.Events, 7)

		result, err = logger.Query(QueryOptions{AccountID: "someone-else"})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
		assert.Equal(t, 0, result.Filtered)
	})

	t.Run("LimitAndOffset", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
		assert.Equal(t, 7, result.Filtered)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Limit: 3, Offset: 5})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.False(t, result.HasMore)
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("NilConfig", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("Disabled", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("File", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled:   true,
			AccountID: testAuditAccount,
			Type:      FileAuditType,
			Options:   map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
		})
		require.NoError(t, err)
		defer logger.Close()
		assert.IsType(t, &FileLogger{}, logger)
	})

	t.Run("SQLite", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled:   true,
			AccountID: testAuditAccount,
			Type:      SQLiteAuditType,
			Options:   map[string]interface{}{"path": filepath.Join(t.TempDir(), "audit.db")},
		})
		require.NoError(t, err)
		defer logger.Close()
		assert.IsType(t, &SQLiteLogger{}, logger)
	})

	t.Run("EmptyType", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: true})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown audit provider")
	})
}

func TestNewEventLiftsMetadata(t *testing.T) {
	metadata := map[string]interface{}{
		"device_id":   "dev-a",
		"error":       "wrapped key missing",
		"source":      "orchestrator",
		"duration_ms": 42,
		"attempt":     3,
	}

	event := newEvent(testAuditAccount, "unwrap_umk", false, metadata)

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, testAuditAccount, event.AccountID)
	assert.Equal(t, "unwrap_umk", event.Action)
	assert.False(t, event.Success)
	assert.Equal(t, "dev-a", event.DeviceID)
	assert.Equal(t, "wrapped key missing", event.Error)
	assert.Equal(t, "orchestrator", event.Source)
	assert.Equal(t, int64(42), event.Duration)
	assert.Equal(t, map[string]interface{}{"attempt": 3}, event.Metadata)

	// The caller's map is left untouched
	assert.Len(t, metadata, 5)

	event = newEvent(testAuditAccount, "status_change", true, nil)
	assert.Nil(t, event.Metadata)
	assert.Empty(t, event.DeviceID)
	assert.True(t, event.Success)
}

func TestEventIDsAreUnique(t *testing.T) {
	first := newEvent(testAuditAccount, "logout", true, nil)
	second := newEvent(testAuditAccount, "logout", true, nil)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSecurityCriticalActions(t *testing.T) {
	assert.True(t, isSecurityCriticalAction("approve_device"))
	assert.True(t, isSecurityCriticalAction("revoke_device"))
	assert.True(t, isSecurityCriticalAction("set_primary_device"))
	assert.True(t, isSecurityCriticalAction("start_fresh"))
	assert.True(t, isSecurityCriticalAction("recovery_recover"))
	assert.False(t, isSecurityCriticalAction("unwrap_umk"))
	assert.False(t, isSecurityCriticalAction("status_change"))
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	require.NoError(t, logger.Log("approve_device", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	require.NoError(t, logger.Close())
}
