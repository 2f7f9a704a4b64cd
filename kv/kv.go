// Package kv provides an embedded key-value store layered on a durable,
// transactional storage engine (SQLite by default, with Postgres, bbolt,
// Pebble and in-memory engines available).
//
// Values are typed: a Store[V] encodes every value through a Codec[V]
// before it reaches the engine, so the engine only ever sees opaque bytes.
// Absence is never stored; a missing key is reported through the boolean
// "found" result rather than an error.
//
// Grouped writes go through Store.Transaction, which stages set/delete
// intents on a Tx, applies them atomically and reports the value of every
// touched key before and after the transaction.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrInvalidKey is returned when a key is empty.
	ErrInvalidKey = errors.New("kv: invalid key")

	// ErrUndefinedValue is returned when a nil value is stored. Use Delete to
	// remove a key instead.
	ErrUndefinedValue = errors.New("kv: undefined value")

	// ErrInvalidDurabilityMode is returned for a mode outside the recognized set.
	ErrInvalidDurabilityMode = errors.New("kv: invalid durability mode")

	// ErrMissingCallback is returned when Transaction is called without a routine.
	ErrMissingCallback = errors.New("kv: missing transaction callback")

	// ErrNotOpen is returned by every operation after Close.
	ErrNotOpen = errors.New("kv: store is not open")

	// ErrTxDone is returned when a Tx is used after its transaction finished.
	ErrTxDone = errors.New("kv: transaction has already finished")
)

// Engine is the byte-level storage backend of a Store. Implementations own
// exactly one handle to their underlying database.
//
// While a transaction is open (between Begin and Commit/Rollback) every
// other method runs inside that transaction.
type Engine interface {
	// Init ensures the backing table exists.
	Init(ctx context.Context) error

	// Lookup returns the stored bytes for key, or false if no row exists.
	Lookup(ctx context.Context, key string) ([]byte, bool, error)

	// Upsert inserts or replaces the row for key.
	Upsert(ctx context.Context, key string, value []byte) error

	// Remove deletes the row for key and returns the bytes it held.
	// Removing a missing key is not an error.
	Remove(ctx context.Context, key string) ([]byte, bool, error)

	// Scan calls fn for every row in engine order, one row at a time.
	// Returning an error from fn stops the scan.
	Scan(ctx context.Context, fn func(key string, value []byte) error) error

	// Truncate deletes every row.
	Truncate(ctx context.Context) error

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error

	// Rollback discards the open transaction. It is a no-op when no
	// transaction is open. The store calls it after a failed Commit.
	Rollback(ctx context.Context) error

	// SetDurabilityMode applies mode to the engine and returns the mode
	// actually in effect, which may differ when the engine cannot honor the
	// request. The mode is already validated.
	SetDurabilityMode(ctx context.Context, mode DurabilityMode) (DurabilityMode, error)

	// InMemory reports whether the engine keeps nothing on disk.
	InMemory() bool

	// Close releases the engine handle.
	Close() error
}

// Entry is one key/value pair returned by Store.All.
type Entry[V any] struct {
	Key   string
	Value V
}

// Change is a key's value at one side of a transaction. Exists is false
// when the key had no value, in which case Value is the zero value.
type Change[V any] struct {
	Key    string
	Value  V
	Exists bool
}

// Report describes what a transaction changed. Both slices are ordered by
// the first time each key was touched and hold each key once.
type Report[V any] struct {
	OldValues []Change[V]
	NewValues []Change[V]
}

func validKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
