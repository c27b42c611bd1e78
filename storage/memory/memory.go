// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL support.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/uma-client-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const sweepInterval = 5 * time.Minute

// Storage implements the storage.Storage interface using in-memory storage
type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a new in-memory storage holding at most maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		stop:  make(chan struct{}),
	}

	go s.sweepExpired(sweepInterval)

	return s, nil
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	storageKey := s.buildKey(options.Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.cache.Get(storageKey)
	if !exists {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(storageKey)
		return nil, nil
	}

	return cloneItem(item), nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := s.buildKey(options.Namespace, key)

	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	return nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(s.buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := s.buildNamespacePrefix(options.Namespace)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Close stops the background sweeper and drops all entries.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Storage) buildKey(namespace storage.Namespace, key string) string {
	return s.buildNamespacePrefix(namespace) + "key:" + key
}

func (s *Storage) buildNamespacePrefix(namespace storage.Namespace) string {
	switch ns := namespace.(type) {
	case storage.SessionNamespace:
		return fmt.Sprintf("session:%s:", ns.Segment())
	case nil:
		return "global:"
	default:
		// This should never happen due to the private namespace() method
		return "unknown:"
	}
}

func (s *Storage) sweepExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

func cloneItem(it *storage.Item) *storage.Item {
	cp := *it
	cp.Data = append([]byte(nil), it.Data...)
	return &cp
}

var _ storage.Storage = (*Storage)(nil)
