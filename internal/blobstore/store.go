// Package blobstore provides read access to the object storage holding
// enrolled reference images.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// Store lists and fetches immutable blobs. Keys are slash separated and
// relative to the store root.
type Store interface {
	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get returns the full content of key.
	Get(ctx context.Context, key string) ([]byte, error)
}
