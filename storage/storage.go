// Package storage provides a small key/value interface with TTL support used
// to share fetched key-set documents between authorizer replicas.
package storage

import (
	"context"
	"errors"
	"time"
)

// Store is a flat key/value store with optional per-item expiry.
type Store interface {
	// Get retrieves data for key.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close closes the storage backend and releases resources
	Close() error
}

// Item represents a stored piece of data with metadata
type Item struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures Set.
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	TTL *time.Duration // Optional: time-to-live for the data
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrInvalidTTL is returned when a non-positive TTL is supplied.
var ErrInvalidTTL = errors.New("storage: ttl must be positive")
