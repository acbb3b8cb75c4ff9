package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrStorage wraps every I/O failure reported by a Store.
var ErrStorage = errors.New("storage error")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = fmt.Errorf("%w: store closed", ErrStorage)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file; ":memory:" for tests
//   - "file": dependency-free JSON Lines backend
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// OpTimeout bounds each store call; 0 disables the bound.
	OpTimeout time.Duration
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
