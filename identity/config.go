package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/uma-client-go/storage"
	"github.com/ggoodman/uma-client-go/storage/memory"
	redisstore "github.com/ggoodman/uma-client-go/storage/redis"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/joeshaw/envdecode"
)

// Config is the environment-driven session configuration.
type Config struct {
	// HTTPTimeout bounds every outbound request. ENV: UMA_HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"UMA_HTTP_TIMEOUT,default=30s"`
	// SessionID names the storage namespace; random when empty. ENV: UMA_SESSION_ID
	SessionID string `env:"UMA_SESSION_ID"`
	// CacheSize bounds the in-memory store. ENV: UMA_CACHE_SIZE
	CacheSize int `env:"UMA_CACHE_SIZE,default=1024"`
	// JWKSURL pins ID token verification keys. ENV: UMA_JWKS_URL
	JWKSURL string `env:"UMA_JWKS_URL"`
	// PersistTokens writes OIDC tokens to storage. ENV: UMA_PERSIST_TOKENS
	PersistTokens bool `env:"UMA_PERSIST_TOKENS,default=true"`

	// RedisAddr selects the Redis store when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	RedisDB   int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"UMA_STORAGE_KEY_PREFIX,default=uma:storage:"`
}

// LoadConfig decodes Config from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("identity: decode env: %w", err)
	}
	return &cfg, nil
}

// Options turns the configuration into session options. The returned store
// is owned by the caller.
func (c *Config) Options(ctx context.Context) ([]Option, storage.Storage, error) {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = c.HTTPTimeout
	if client.Timeout <= 0 {
		client.Timeout = defaultHTTPTimeout
	}

	var store storage.Storage
	if c.RedisAddr != "" {
		rs, err := redisstore.Dial(ctx, redisstore.EnvConfig{RedisAddr: c.RedisAddr, RedisDB: c.RedisDB, KeyPrefix: c.KeyPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("identity: redis storage: %w", err)
		}
		store = rs
	} else {
		size := c.CacheSize
		if size <= 0 {
			size = defaultMemoryItems
		}
		mem, err := memory.New(size)
		if err != nil {
			return nil, nil, fmt.Errorf("identity: memory storage: %w", err)
		}
		store = mem
	}

	opts := []Option{
		WithHTTPClient(client),
		WithStorage(store),
		WithPersistTokens(c.PersistTokens),
	}
	if c.SessionID != "" {
		opts = append(opts, WithSessionID(c.SessionID))
	}
	if c.JWKSURL != "" {
		opts = append(opts, WithJWKSURL(c.JWKSURL))
	}
	return opts, store, nil
}

// NewFromEnv builds a Session from LoadConfig. Extra options are applied
// after the environment ones. The session closes the store it created.
func NewFromEnv(ctx context.Context, extra ...Option) (*Session, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	opts, store, err := cfg.Options(ctx)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, append(opts, extra...)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if s.store == store {
		s.ownsStore = true
	}
	return s, nil
}
