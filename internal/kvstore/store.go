// Package kvstore provides the key-scoped storage used for conversation
// state, rate-limit buckets, replay records and KV flags.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrUnchanged is returned by an Update callback to leave the value as it is.
	ErrUnchanged = errors.New("kvstore: value unchanged")

	// ErrConflict is returned by Update when other writers kept winning the race
	// for the key.
	ErrConflict = errors.New("kvstore: write conflict")
)

// UpdateFunc receives the current value, nil when the key is missing, and
// returns the value to store. A nil result deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a key-scoped byte store. A ttl <= 0 means the value never expires.
// PutIfAbsent and Update are atomic against every other writer of the store,
// including other processes when the backend is shared.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent stores value only when key is missing and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Update runs a read-modify-write on key. fn may run more than once when a
	// concurrent write gets in first, so it must only compute its result.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}
