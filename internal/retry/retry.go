// Package retry provides bounded retry helpers with backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return run(ctx, maxAttempts, baseDelay, true, fn)
}

// DoFixed calls fn up to maxAttempts times with a constant delay between
// attempts. Used where a level-triggered short poll is wanted rather than
// backoff, e.g. waiting for a fiscal device to sign a receipt.
func DoFixed(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	return run(ctx, maxAttempts, delay, false, fn)
}

func run(ctx context.Context, maxAttempts int, delay time.Duration, exponential bool, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		sleep := delay
		if exponential {
			// +-25% jitter.
			jitter := delay / 4
			sleep = delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
			delay *= 2
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return err
}

// Jitter returns a random duration in [0, max). Callers use it to spread
// polling loops across instances.
func Jitter(max time.Duration) time.Duration {
	return time.Duration(cryptoInt64n(int64(max)))
}
