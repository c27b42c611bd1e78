// Package identity holds an OpenID Connect identity session and exposes it to
// the UMA machinery.
//
// A Session keeps the access, ID and refresh tokens obtained at login,
// refreshes them shortly before expiry, persists them to a storage backend,
// and owns the claim resolver registry and the UMA token cache. It implements
// claims.Session and uma.BearerSource, so Client returns an *http.Client that
// answers both UMA and plain bearer challenges:
//
//	sess, err := identity.New(ctx, identity.WithRedirectSink(sink))
//	...
//	res, err := sess.Client().Get("https://pod.example/private/doc")
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/uma-client-go/claims"
	"github.com/ggoodman/uma-client-go/internal/idtoken"
	"github.com/ggoodman/uma-client-go/internal/logctx"
	"github.com/ggoodman/uma-client-go/storage"
	"github.com/ggoodman/uma-client-go/storage/memory"
	"github.com/ggoodman/uma-client-go/uma"
	"github.com/ggoodman/uma-client-go/umacache"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	keyTokens = "oidc_tokens"
	keyLogin  = "oidc_login"

	defaultHTTPTimeout = 30 * time.Second
	defaultMemoryItems = 1024
)

// Tokens is the OIDC token state of a session. It is also the persisted form.
type Tokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expires_at,omitzero"`
	WebID        string    `json:"web_id,omitempty"`
	Issuer       string    `json:"issuer,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
}

// Option configures a Session.
type Option func(*options)

type options struct {
	httpClient    *http.Client
	store         storage.Storage
	sessionID     string
	resolvers     []claims.ResolverDefinition
	persistTokens bool
	redirect      RedirectSink
	logger        *slog.Logger
	jwksURL       string
	now           func() time.Time
	umaOptions    []uma.Option
}

// WithHTTPClient sets the client used for identity provider and
// authorization server calls, and as the base of Client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithStorage sets the backend for persisted tokens, login state and cached
// UMA tokens. The caller keeps ownership and closes it.
func WithStorage(s storage.Storage) Option { return func(o *options) { o.store = s } }

// WithSessionID names the storage namespace. A random id is used otherwise.
func WithSessionID(id string) Option { return func(o *options) { o.sessionID = id } }

// WithClaimResolvers appends resolvers after the built-in ones.
func WithClaimResolvers(defs ...claims.ResolverDefinition) Option {
	return func(o *options) { o.resolvers = append(o.resolvers, defs...) }
}

// WithPersistTokens controls whether OIDC tokens are written to storage.
// Enabled by default.
func WithPersistTokens(persist bool) Option { return func(o *options) { o.persistTokens = persist } }

// WithRedirectSink sets where Login and Logout send the user agent.
func WithRedirectSink(r RedirectSink) Option { return func(o *options) { o.redirect = r } }

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithJWKSURL verifies ID tokens against a fixed JWKS instead of the keys
// found through discovery.
func WithJWKSURL(u string) Option { return func(o *options) { o.jwksURL = u } }

// WithClock overrides the time source for expiry decisions.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithNegotiationOptions passes options to every UMA negotiation.
func WithNegotiationOptions(opts ...uma.Option) Option {
	return func(o *options) { o.umaOptions = append(o.umaOptions, opts...) }
}

// Session is an OIDC identity session. It is safe for concurrent use.
type Session struct {
	id         string
	httpClient *http.Client
	store      storage.Storage
	ownsStore  bool
	persist    bool
	redirect   RedirectSink
	log        *slog.Logger
	jwksURL    string
	now        func() time.Time
	umaOptions []uma.Option

	registry *claims.Registry
	cache    *umacache.Cache

	mu     sync.RWMutex
	tokens Tokens

	// refreshMu serialises refreshes so concurrent callers share one.
	refreshMu sync.Mutex
}

// New builds a Session and loads any persisted tokens.
func New(ctx context.Context, opts ...Option) (*Session, error) {
	o := options{persistTokens: true, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:         o.sessionID,
		httpClient: o.httpClient,
		store:      o.store,
		persist:    o.persistTokens,
		redirect:   o.redirect,
		log:        logctx.Wrap(o.logger),
		jwksURL:    o.jwksURL,
		now:        o.now,
		umaOptions: o.umaOptions,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.httpClient == nil {
		s.httpClient = cleanhttp.DefaultPooledClient()
		s.httpClient.Timeout = defaultHTTPTimeout
	}
	if s.store == nil {
		mem, err := memory.New(defaultMemoryItems)
		if err != nil {
			return nil, fmt.Errorf("identity: default storage: %w", err)
		}
		s.store = mem
		s.ownsStore = true
	}

	reg, err := claims.NewRegistry(append(uma.DefaultResolvers(), o.resolvers...)...)
	if err != nil {
		return nil, fmt.Errorf("identity: claim resolvers: %w", err)
	}
	s.registry = reg
	s.cache = umacache.New(s.store, umacache.WithNamespace(s.id+":uma"), umacache.WithClock(s.now))

	if err := s.hydrate(ctx); err != nil {
		s.log.WarnContext(ctx, "identity.hydrate.failed", slog.String("err", err.Error()))
	}
	return s, nil
}

// ID returns the session's storage namespace.
func (s *Session) ID() string { return s.id }

// Close releases the storage backend when the session created it.
func (s *Session) Close() error {
	if s.ownsStore {
		return s.store.Close()
	}
	return nil
}

// HTTPClient returns the client for authorization server calls. It does not
// answer challenges itself.
func (s *Session) HTTPClient() *http.Client { return s.httpClient }

// Client returns an *http.Client whose transport answers UMA and bearer
// challenges on behalf of this session and caches UMA tokens.
func (s *Session) Client() *http.Client {
	return &http.Client{
		Transport: &uma.Transport{
			Session: s,
			Bearer:  s,
			Base:    s.httpClient.Transport,
			Cache:   s.cache,
			Logger:  s.log,
			Options: s.umaOptions,
		},
		Timeout: s.httpClient.Timeout,
	}
}

// ClaimResolvers returns the registered resolvers, built-ins first.
func (s *Session) ClaimResolvers() []claims.ResolverDefinition { return s.registry.Definitions() }

// AddClaimResolver appends a resolver definition.
func (s *Session) AddClaimResolver(def claims.ResolverDefinition) error { return s.registry.Add(def) }

// AddFormatResolver registers fn for required claims with the given
// claim_token_format.
func (s *Session) AddFormatResolver(format string, fn claims.ResolverFunc) error {
	return s.registry.AddFormat(format, fn)
}

// CreateClaimToken returns the current ID token, refreshing first if needed.
func (s *Session) CreateClaimToken(ctx context.Context) (string, error) {
	if err := s.EnsureValidToken(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens.IDToken == "" {
		return "", ErrNoIDToken
	}
	return s.tokens.IDToken, nil
}

// BearerToken returns the current access token, refreshing first if needed.
// It returns "" when the session has no access token.
func (s *Session) BearerToken(ctx context.Context) (string, error) {
	if err := s.EnsureValidToken(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken, nil
}

// Tokens returns a snapshot of the token state.
func (s *Session) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// WebID returns the WebID asserted by the current ID token.
func (s *Session) WebID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.WebID
}

// SetTokens replaces the token state, deriving the WebID from the ID token
// when it is not given, and persists it.
func (s *Session) SetTokens(ctx context.Context, t Tokens) error {
	if t.WebID == "" && t.IDToken != "" {
		if w, err := idtoken.WebID(t.IDToken); err == nil {
			t.WebID = w
		}
	}
	s.mu.Lock()
	s.tokens = t
	s.mu.Unlock()
	return s.persistTokens(ctx)
}

// CachedUMAToken returns the cached UMA token for a resource, if any.
func (s *Session) CachedUMAToken(ctx context.Context, resourceURL, method string) (*umacache.Entry, error) {
	return s.cache.Get(ctx, resourceURL, method)
}

// StoreUMAToken caches a UMA token for a resource.
func (s *Session) StoreUMAToken(ctx context.Context, resourceURL, method string, tok umacache.Token) error {
	return s.cache.Put(ctx, resourceURL, method, tok)
}

// ClearUMACache drops every cached UMA token of the session.
func (s *Session) ClearUMACache(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

// ClearOIDCTokens forgets the token state and any pending login.
func (s *Session) ClearOIDCTokens(ctx context.Context) error {
	s.mu.Lock()
	s.tokens = Tokens{}
	s.mu.Unlock()

	return errors.Join(
		s.store.Delete(ctx, s.keyOpt(keyTokens)...),
		s.store.Delete(ctx, s.keyOpt(keyLogin)...),
	)
}

// ClearCache clears both the UMA cache and the OIDC tokens.
func (s *Session) ClearCache(ctx context.Context) error {
	return errors.Join(s.ClearUMACache(ctx), s.ClearOIDCTokens(ctx))
}

func (s *Session) nsOpt() storage.Option { return storage.WithSession(s.id) }

func (s *Session) keyOpt(key string) []storage.Option {
	return []storage.Option{s.nsOpt(), storage.WithKey(key)}
}

func (s *Session) hydrate(ctx context.Context) error {
	if !s.persist {
		return nil
	}
	item, err := s.store.Get(ctx, keyTokens, s.nsOpt())
	if err != nil || item == nil {
		return err
	}
	var t Tokens
	if err := json.Unmarshal(item.Data, &t); err != nil {
		return fmt.Errorf("decode persisted tokens: %w", err)
	}
	if t.WebID == "" && t.IDToken != "" {
		t.WebID, _ = idtoken.WebID(t.IDToken)
	}
	s.mu.Lock()
	s.tokens = t
	s.mu.Unlock()
	return nil
}

func (s *Session) persistTokens(ctx context.Context) error {
	if !s.persist {
		return nil
	}
	s.mu.RLock()
	data, err := json.Marshal(s.tokens)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("identity: encode tokens: %w", err)
	}
	if err := s.store.Set(ctx, keyTokens, data, s.nsOpt()); err != nil {
		return fmt.Errorf("identity: persist tokens: %w", err)
	}
	return nil
}

var (
	_ claims.Session   = (*Session)(nil)
	_ uma.BearerSource = (*Session)(nil)
)
