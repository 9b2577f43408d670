// Package retries provides the retry-with-backoff helper used by the
// optional AWS-backed domain components. It is never used to paper
// over a client-contract error: those are reported to the caller on
// the first attempt.
package retries

import (
	"context"
	"time"

	"github.com/lfusys/recorder-uploads/awserr"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 1
	HealthBaseDelay = 0
)

// Retry calls fn up to attempts times, doubling baseDelay between
// attempts, stopping early if isRetriable(err) is false or the context
// is done. isRetriable may be nil, in which case every error is
// retried.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// IsRetriableAWSError reports whether err looks like a transient AWS
// API error (throttling, server-side fault) as opposed to a permanent
// client error such as validation or not-found.
func IsRetriableAWSError(err error) bool {
	if err == nil {
		return false
	}
	switch code := awserr.Code(err); code {
	case "":
		// Network-level errors without a modeled API error are worth a retry.
		return true
	case "ThrottlingException", "ProvisionedThroughputExceededException",
		"RequestLimitExceeded", "InternalServerError", "ServiceUnavailable":
		return true
	default:
		return false
	}
}
