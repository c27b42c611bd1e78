// Package redis provides a Redis-based implementation of the storage.Storage interface
// using Redis for namespaced key-value storage with TTL support.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/uma-client-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "uma:storage:"

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "uma:storage:"
	KeyPrefix string
}

// EnvConfig is decoded from the environment by NewFromEnv.
type EnvConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisDB selects the logical database. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: UMA_STORAGE_KEY_PREFIX
	KeyPrefix string `env:"UMA_STORAGE_KEY_PREFIX,default=uma:storage:"`
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem represents the structure stored in Redis
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// NewFromEnv builds a Storage using envdecode to populate its configuration
// and verifies the server is reachable.
func NewFromEnv(ctx context.Context) (*Storage, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis env: %w", err)
	}
	return Dial(ctx, cfg)
}

// Dial connects to the server described by cfg.
func Dial(ctx context.Context, cfg EnvConfig) (*Storage, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: cfg.KeyPrefix})
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	out := &storage.Item{
		Data:      item.Data,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}

	if out.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}

	return out, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Namespace, key)

	now := time.Now()
	item := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	itemData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, redisKey, itemData, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}

	return nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		redisKey := s.buildKey(options.Namespace, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := globEscape(s.buildKey(options.Namespace, "")) + "*"
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}

	return nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}

// buildKey constructs the Redis key from namespace and key components
func (s *Storage) buildKey(namespace storage.Namespace, key string) string {
	switch ns := namespace.(type) {
	case storage.SessionNamespace:
		return s.keyPrefix + "session:" + ns.Segment() + ":" + key
	default:
		return s.keyPrefix + "global:" + key
	}
}

// globEscape quotes the characters SCAN MATCH treats specially.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scanKeys uses Redis SCAN to find all keys matching a pattern
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Compile-time interface check
var _ storage.Storage = (*Storage)(nil)
