// Package blob defines the durable blob store the engine runs on, plus
// in-memory, filesystem, and PostgreSQL backends.
//
// Keys are hierarchical slash-separated paths ("orders/123.json").
// Put is assumed atomic enough that a reader sees either the previous
// or the new content, never a torn write, and reads observe their own
// writes (read-after-write consistency).
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob: not found")

// Store is the durable blob store contract.
type Store interface {
	// Get returns the content stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores content at key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error
	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
