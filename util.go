package e2ee

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	mrand "math/rand"
	"time"

	"github.com/foxbiz/better-keep-sub001/audit"
	"github.com/foxbiz/better-keep-sub001/persist"
)

const (
	// maxRetries bounds optimistic-concurrency retry loops.
	maxRetries = 3
	// baseDelay is the starting backoff between retry attempts.
	baseDelay = 50 * time.Millisecond
	// maxDelay caps the exponential backoff.
	maxDelay = 1 * time.Second
)

// RetryConfig controls the retry behavior applied when concurrent
// modifications collide on the same remote document.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are
// supplied.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry runs fn, retrying with exponential backoff and jitter while it
// fails due to a concurrent modification of the same document. Any other
// error aborts the loop immediately.
func withRetry(config RetryConfig, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var conflict persist.ConcurrencyError
		if !errors.As(err, &conflict) {
			return err
		}
		lastErr = err

		if attempt < config.MaxRetries {
			delay := config.BaseDelay * (1 << attempt)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
			// +-25% jitter keeps colliding clients from retrying in step.
			jitterFactor := 0.75 + mrand.Float64()*0.5
			time.Sleep(time.Duration(float64(delay) * jitterFactor))
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
		operation, config.MaxRetries+1, lastErr)
}

// logAudit writes one audit event and never lets an audit failure
// interfere with the operation being logged.
func logAudit(logger audit.Logger, action string, err error, metadata map[string]interface{}) {
	if logger == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	if auditErr := logger.Log(action, err == nil, metadata); auditErr != nil {
		log.Printf("ERROR: Failed to log audit event for %s: %v\n", action, auditErr)
	}
}

func encodeB64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeB64(field, value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", field, err)
	}
	return data, nil
}
