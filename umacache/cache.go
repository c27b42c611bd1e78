// Package umacache stores UMA access tokens obtained through negotiation,
// keyed by HTTP method and resource URL, on top of a storage.Storage backend.
//
// Entries with an expiry are evicted lazily: a Get that finds an expired
// entry deletes it and reports a miss. Entries stored without expires_in
// never expire on their own.
package umacache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/uma-client-go/storage"
)

const keyPrefix = "uma_token:"

const lockStripes = 32

// maxLifetime bounds cached token lifetimes so the TTL stays representable.
const maxLifetime = 10 * 365 * 24 * time.Hour

// Entry is a cached UMA access token.
type Entry struct {
	TokenType   string     `json:"token_type"`
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has an expiry strictly before now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// AuthorizationHeader renders the value for an Authorization header.
func (e Entry) AuthorizationHeader() string {
	return e.TokenType + " " + e.AccessToken
}

// Token is what a successful negotiation hands to Put.
type Token struct {
	TokenType   string
	AccessToken string
	// ExpiresIn is the token lifetime in seconds; zero means unknown.
	// Lifetimes beyond ten years are clamped.
	ExpiresIn int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace scopes all entries to one identity session.
func WithNamespace(sessionID string) Option {
	return func(c *Cache) { c.sessionID = sessionID }
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is safe for concurrent use. Each key's read-check-evict and write
// sequences run under a per-key lock.
type Cache struct {
	store     storage.Storage
	sessionID string
	now       func() time.Time
	locks     [lockStripes]sync.Mutex
}

// New returns a Cache backed by store.
func New(store storage.Storage, opts ...Option) *Cache {
	c := &Cache{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key composes the cache key "<METHOD> <resourceURL>". An empty method is
// treated as GET.
func Key(resourceURL, method string) string {
	if method == "" {
		method = "GET"
	}
	return strings.ToUpper(method) + " " + resourceURL
}

// Get returns the cached entry for the resource, or nil. An expired entry is
// removed from the backing store before reporting the miss.
func (c *Cache) Get(ctx context.Context, resourceURL, method string) (*Entry, error) {
	key := Key(resourceURL, method)
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	item, err := c.store.Get(ctx, keyPrefix+key, c.nsOpts()...)
	if err != nil {
		return nil, fmt.Errorf("umacache: get %q: %w", key, err)
	}
	if item == nil {
		return nil, nil
	}

	var e Entry
	if err := json.Unmarshal(item.Data, &e); err != nil || e.AccessToken == "" {
		// Unreadable entries are dropped like expired ones.
		_ = c.store.Delete(ctx, c.keyOpts(key)...)
		return nil, nil
	}
	if e.Expired(c.now()) {
		if err := c.store.Delete(ctx, c.keyOpts(key)...); err != nil {
			return nil, fmt.Errorf("umacache: evict %q: %w", key, err)
		}
		return nil, nil
	}
	return &e, nil
}

// Put stores tok for the resource, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, resourceURL, method string, tok Token) error {
	key := Key(resourceURL, method)
	e := Entry{TokenType: tok.TokenType, AccessToken: tok.AccessToken}

	opts := c.nsOpts()
	if tok.ExpiresIn > 0 {
		ttl := maxLifetime
		if tok.ExpiresIn < int64(maxLifetime/time.Second) {
			ttl = time.Duration(tok.ExpiresIn) * time.Second
		}
		expiresAt := c.now().Add(ttl)
		e.ExpiresAt = &expiresAt
		opts = append(opts, storage.WithTTL(ttl))
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("umacache: encode %q: %w", key, err)
	}

	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if err := c.store.Set(ctx, keyPrefix+key, data, opts...); err != nil {
		return fmt.Errorf("umacache: put %q: %w", key, err)
	}
	return nil
}

// Delete removes the entry for the resource, if any.
func (c *Cache) Delete(ctx context.Context, resourceURL, method string) error {
	key := Key(resourceURL, method)
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return c.store.Delete(ctx, c.keyOpts(key)...)
}

// Clear drops every entry in the cache's namespace. Without a namespace it
// drops the whole global namespace of the backing store.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, c.nsOpts()...)
}

func (c *Cache) nsOpts() []storage.Option {
	if c.sessionID == "" {
		return nil
	}
	return []storage.Option{storage.WithSession(c.sessionID)}
}

func (c *Cache) keyOpts(key string) []storage.Option {
	return append(c.nsOpts(), storage.WithKey(keyPrefix+key))
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.locks[h.Sum32()%lockStripes]
}
