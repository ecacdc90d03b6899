// Package cache provides the process-wide key/value store shared by the
// caller resolver and the response cache, plus derivation of the cache keys
// both of them use. Entries carry a per-key TTL; an expired entry is
// indistinguishable from an absent one.
package cache

import (
	"context"
	"time"
)

// Store is the shared cache contract. Concurrent saves for the same key are
// last-write-wins; no per-key locking is assumed.
type Store interface {
	// Save writes value under key with the given TTL, replacing any previous
	// entry.
	Save(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Load returns the live value for key. The boolean is false for both
	// absent and expired keys.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Destroy removes key. Destroying an absent key is not an error.
	Destroy(ctx context.Context, key string) error
	// Size reports the number of stored entries for health output.
	Size(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}
