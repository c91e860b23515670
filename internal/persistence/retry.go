package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// busyRetries bounds retryOnBusy for writes. It adds ~3s on top of the
// driver's busy_timeout.
const busyRetries = 5

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, backing off
// exponentially with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const (
		baseDelay = 50 * time.Millisecond
		maxDelay  = 500 * time.Millisecond
	)

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
