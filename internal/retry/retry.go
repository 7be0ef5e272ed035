// Package retry provides a shared retry utility with exponential backoff and jitter.
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
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
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

// backoffSleep waits for the current delay with +-25% jitter, or until ctx
// is cancelled. It reports whether the wait completed.
func backoffSleep(ctx context.Context, delay time.Duration) bool {
	jitter := delay / 4
	sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// No sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		if !backoffSleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}

	return err
}

// DoWithUnlock is like Do but releases a lock before each backoff sleep and
// re-acquires it after, so other goroutines on the same shard are not blocked
// while this call waits. The caller must hold the lock on entry, and fn is
// always called with the lock held. On a cancelled context the lock is
// re-acquired before returning, so the lock state matches what the caller
// expects either way.
func DoWithUnlock(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		unlock()
		if !backoffSleep(ctx, delay) {
			relock() // Caller expects lock held on return.
			return ctx.Err()
		}
		relock()
		delay *= 2
	}

	return err
}
