// Package shared holds small helpers used across the connection,
// session and link engines that don't belong to any single one of
// them.
package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// RandString returns a random hex-encoded name of the given byte
// length, used to generate link and container names when the caller
// doesn't supply one.
func RandString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader never fails in
		// practice; fall back to a fixed-but-unique-enough string
		// rather than panicking.
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}

// Retry runs fn until it succeeds, ctx is canceled, or max attempts
// are exhausted, sleeping base*2^attempt (capped at capped) between
// tries. It's used for the best-effort rollback-on-drop of abandoned
// transactions, where a failed attempt should be retried briefly
// rather than silently dropped.
func Retry(ctx context.Context, max int, base, capped time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < max; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == max-1 {
			break
		}

		wait := base << attempt
		if wait > capped || wait <= 0 {
			wait = capped
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
