package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T, dir string) *FileLogger {
	t.Helper()

	logger, err := NewFileLogger(&Config{
		Enabled:   true,
		AccountID: testAuditAccount,
		Type:      FileAuditType,
		Options:   map[string]interface{}{"file_path": filepath.Join(dir, "audit.log")},
	})
	require.NoError(t, err)
	return logger
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger := newTestFileLogger(t, t.TempDir())
	defer logger.Close()

	testAuditQueryFilters(t, logger)
}

func TestFileLoggerRequiresPath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path")
}

func TestFileLoggerTimeRange(t *testing.T) {
	logger := newTestFileLogger(t, t.TempDir())
	defer logger.Close()

	require.NoError(t, logger.Log("register_first_device", true, nil))
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, logger.Log("approve_device", true, nil))

	result, err := logger.Query(QueryOptions{Since: &cutoff})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "approve_device", result.Events[0].Action)

	result, err = logger.Query(QueryOptions{Until: &cutoff})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "register_first_device", result.Events[0].Action)
}

// A second logger on the same file starts with an empty cache, so this
// exercises the read-from-file query path end to end.
func TestFileLoggerQueryAfterReopen(t *testing.T) {
	dir := t.TempDir()

	logger := newTestFileLogger(t, dir)
	seedAuditEvents(t, logger)
	require.NoError(t, logger.Close())

	reopened := newTestFileLogger(t, dir)
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{Action: "approve_device"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
	assert.Equal(t, 7, result.TotalCount)
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger := newTestFileLogger(t, t.TempDir())

	require.NoError(t, logger.Log("register_first_device", true, nil))
	require.NoError(t, logger.Close())

	// Logging after Close reopens the file instead of failing
	require.NoError(t, logger.Log("approve_device", true, nil))
	defer logger.Close()

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestFileLoggerSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()

	logger := newTestFileLogger(t, dir)
	require.NoError(t, logger.Log("register_first_device", true, nil))
	require.NoError(t, logger.Log("approve_device", true, nil))
	require.NoError(t, logger.Close())

	logPath := filepath.Join(dir, "audit.log")
	file, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = file.WriteString("{{{ not json\n\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	reopened := newTestFileLogger(t, dir)
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
	// The malformed line still counts as a raw log line
	assert.Equal(t, 3, result.TotalCount)
}

func TestFileLoggerReadsRotatedFiles(t *testing.T) {
	dir := t.TempDir()

	logger := newTestFileLogger(t, dir)
	defer logger.Close()
	require.NoError(t, logger.Log("register_first_device", true, nil))

	rotated := Event{
		ID:        "rotated-1",
		Timestamp: time.Now().UTC().Add(-time.Hour),
		AccountID: testAuditAccount,
		Action:    "logout",
		Success:   true,
	}
	rotatedJSON, err := json.Marshal(rotated)
	require.NoError(t, err)
	rotatedPath := filepath.Join(dir, "audit.log.1")
	require.NoError(t, os.WriteFile(rotatedPath, append(rotatedJSON, '\n'), 0600))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"register_first_device", "logout"}, actionsOf(result.Events))
}
