package e2ee

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxbiz/better-keep-sub001/persist"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWithRetryConflictThenSuccess(t *testing.T) {
	calls := 0
	err := withRetry(fastRetry(), "save", func() error {
		calls++
		if calls < 3 {
			return persist.ConcurrencyError{Operation: "SaveDevice"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := withRetry(fastRetry(), "save", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-conflict errors should not be retried")
}

func TestWithRetryExhaustion(t *testing.T) {
	calls := 0
	err := withRetry(fastRetry(), "save device", func() error {
		calls++
		return persist.ConcurrencyError{Operation: "SaveDevice"}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus MaxRetries")
	assert.Contains(t, err.Error(), "save device")
	var conflict persist.ConcurrencyError
	assert.ErrorAs(t, err, &conflict)
}

func TestB64Helpers(t *testing.T) {
	encoded := encodeB64([]byte{0x01, 0xff, 0x42})
	decoded, err := decodeB64("sample", encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff, 0x42}, decoded)

	_, err = decodeB64("wrap nonce", "!!!not-base64!!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrap nonce", "error should name the field")
}
