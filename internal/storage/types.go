package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalert/internal/listing"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON snapshot + JSONL mark journal
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the cycle runner.
type Store interface {
	// LoadCurrent returns the last committed snapshot with pending notify
	// marks applied. A store that was never committed returns an empty
	// snapshot.
	LoadCurrent(ctx context.Context) (listing.Snapshot, error)
	// Commit atomically replaces the committed snapshot and clears marks.
	Commit(ctx context.Context, s listing.Snapshot) error
	// MarkNotified durably records a successful publish for key.
	MarkNotified(ctx context.Context, key string, at time.Time) error
	Close() error
}

// Error wraps every I/O failure a driver reports.
type Error struct {
	Driver string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Driver, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(driver, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Driver: driver, Op: op, Err: err}
}

// commitHook lets tests inject a failure between the write and the publish
// step of a commit. Nil in production.
var commitHook func(driver string) error

func runCommitHook(driver string) error {
	if commitHook == nil {
		return nil
	}
	return commitHook(driver)
}
