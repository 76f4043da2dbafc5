package sentinel

import (
	"context"
	"errors"
)

// Store persists the cached sentinel.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save replaces the cached sentinel.
	Save(ctx context.Context, s Sentinel) error

	// Load returns the cached sentinel, or ErrNotFound.
	Load(ctx context.Context) (Sentinel, error)

	// Delete removes the cached sentinel. Deleting a missing sentinel is not
	// an error.
	Delete(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for sentinel stores.
var (
	// ErrNotFound indicates no sentinel has been persisted.
	ErrNotFound = errors.New("resume sentinel not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("sentinel store closed")
)
