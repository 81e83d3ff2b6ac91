// Package jobstore defines the KV contract the orchestrator uses for
// de-duplication and cross-process job records. SetIfAbsent is the one
// non-negotiable capability: it must be a true atomic set-if-not-exists.
// Everything else may be eventually consistent.
package jobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("jobstore: key not found")

// Store is implemented by a real backend (Redis) and an in-memory reference
// used for tests.
type Store interface {
	// SetIfAbsent atomically sets key=value with a TTL if the key does not
	// exist. Returns true when this call created the entry.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// HSet writes fields of a structured record.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll reads all fields of a structured record. A missing key yields
	// an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}
