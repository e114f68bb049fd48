//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_history.go -package=mocks

// Package store provides the relay's history: a durable, append-only log of
// chat records that supports replaying its most recent suffix.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrUnknownBackend = errors.New("store: unknown history backend")
	ErrClosed         = errors.New("store: history is closed")
)

// Record is one accepted chat message.  Records are never mutated once
// written and their IDs are strictly increasing.
type Record struct {
	ID       int64
	Nickname string
	Payload  []byte
	At       time.Time
}

// History is the append-only message log shared by every session.
// Implementations are safe for concurrent use, and a record becomes visible
// to Recent only after every record with a lower ID.
type History interface {
	// Append persists a record and returns it with its assigned ID.  The record
	// is durable when Append returns without error.
	Append(ctx context.Context, nickname string, payload []byte) (Record, error)
	// Recent returns up to n of the most recent records in ascending ID order.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}

// Backend names a History implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBadger Backend = "badger"
	BackendMemory Backend = "memory"
)

// Open returns the History for backend.  path is a database file for sqlite
// and a directory for badger; it is ignored for memory.
func Open(backend Backend, path string, log *slog.Logger) (History, error) {
	switch backend {
	case BackendSQLite:
		return OpenSQLite(path, log)
	case BackendBadger:
		return OpenBadger(path, log)
	case BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
