// Package storage provides the namespaced key/value store used to persist
// identity session state and cached UMA tokens.
package storage

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// Storage defines the primary interface for namespaced data storage
type Storage interface {
	// Get retrieves data for a specific key within the given namespace
	// Returns nil Item if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a specific key within the given namespace
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace
	// If no key specified via WithKey, removes entire namespace
	Delete(ctx context.Context, opts ...Option) error

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
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace      // Optional: specifies the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace represents a storage namespace.
// If nil, storage operates in global namespace
type Namespace interface {
	namespace() // private method to ensure only our types implement this
}

// SessionNamespace scopes data to one identity session.
type SessionNamespace struct {
	SessionID string
}

func (SessionNamespace) namespace() {}

// Segment encodes the session id for embedding in a backend key. The result
// contains neither ':' nor glob metacharacters, so one session's prefix never
// covers another's.
func (ns SessionNamespace) Segment() string {
	return url.QueryEscape(ns.SessionID)
}

// WithSession specifies session-level storage namespace
func WithSession(sessionID string) Option {
	return func(opts *Options) {
		opts.Namespace = SessionNamespace{SessionID: sessionID}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Error types
var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
