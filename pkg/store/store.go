// Package store defines the backing substrate for rollup state.
package store

import "context"

// Store is the interface for rollup storage backends.
// Implementations: memory (testing), redis (production), badger (embedded)
//
// All mutations are either commutative deltas (Increment) or unconditional
// overwrites (SetSnapshot, Register), so callers never need to lock around
// them. Missing keys read as empty; increments auto-vivify their key.
type Store interface {
	// Increment atomically adds delta to a hash field and returns the new value.
	Increment(ctx context.Context, key, field string, delta int64) (int64, error)

	// SetSnapshot overwrites the given hash fields as a group.
	SetSnapshot(ctx context.Context, key string, fields map[string]string) error

	// ReadAll returns every field of a hash, or an empty map if the key is absent.
	ReadAll(ctx context.Context, key string) (map[string]string, error)

	// Register adds member to a sorted index at the given score. Idempotent.
	Register(ctx context.Context, index, member string, score float64) error

	// RangeQuery returns up to limit members with score >= minScore,
	// highest score first.
	RangeQuery(ctx context.Context, index string, minScore float64, limit int) ([]string, error)

	// Append adds one entry to an append-only stream. Observational only:
	// rollup state is never rebuilt from the stream.
	Append(ctx context.Context, stream string, payload []byte) error

	// DeleteKeys removes whole keys. Administrative use (bucket rebuilds).
	DeleteKeys(ctx context.Context, keys ...string) error

	// Close cleanly shuts down the backend.
	Close() error
}
