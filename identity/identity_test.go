package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/uma-client-go/claims"
	"github.com/ggoodman/uma-client-go/storage/memory"
	"github.com/ggoodman/uma-client-go/umacache"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID    = "https://app.example/id"
	testRedirectURI = "https://app.example/callback"
	testWebID       = "https://alice.example/profile#me"
)

// mockOP is an OpenID provider with discovery, keys, a token endpoint for
// the code and refresh grants, and an end_session endpoint.
type mockOP struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	codeVerifiers []string
	refreshTokens []string
	tokenCalls    atomic.Int32
	expiresIn     int64
}

func newMockOP(t *testing.T) *mockOP {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	op := &mockOP{key: pk, expiresIn: 3600}
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig",
	}}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		iss := op.srv.URL
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                iss,
			"jwks_uri":                              iss + "/keys",
			"authorization_endpoint":                iss + "/auth",
			"token_endpoint":                        iss + "/token",
			"end_session_endpoint":                  iss + "/logout",
			"response_types_supported":              []string{"code"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		op.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var suffix string
		op.mu.Lock()
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			op.codeVerifiers = append(op.codeVerifiers, r.PostForm.Get("code_verifier"))
			suffix = "1"
		case "refresh_token":
			op.refreshTokens = append(op.refreshTokens, r.PostForm.Get("refresh_token"))
			suffix = "2"
		default:
			op.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
			return
		}
		expiresIn := op.expiresIn
		op.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + suffix,
			"token_type":    "Bearer",
			"refresh_token": "refresh-" + suffix,
			"expires_in":    expiresIn,
			"id_token":      op.idToken(t, testWebID),
		})
	})
	op.srv = httptest.NewServer(mux)
	t.Cleanup(op.srv.Close)
	return op
}

func (op *mockOP) idToken(t *testing.T, webID string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   op.srv.URL,
		"aud":   testClientID,
		"sub":   "alice",
		"webid": webID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(op.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// recordingSink captures redirect targets.
type recordingSink struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingSink) Redirect(_ context.Context, u string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, u)
	return nil
}

func (r *recordingSink) last(t *testing.T) *url.URL {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.urls) == 0 {
		t.Fatal("no redirect recorded")
	}
	u, err := url.Parse(r.urls[len(r.urls)-1])
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return u
}

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func login(t *testing.T, s *Session, op *mockOP, sink *recordingSink) *url.URL {
	t.Helper()
	if err := s.Login(context.Background(), op.srv.URL, testClientID, testRedirectURI); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return sink.last(t)
}

func TestLogin_AuthorizationURL(t *testing.T) {
	op := newMockOP(t)
	sink := &recordingSink{}
	s := newTestSession(t, WithHTTPClient(op.srv.Client()), WithRedirectSink(sink))

	u := login(t, s, op, sink)
	if got := u.Scheme + "://" + u.Host + u.Path; got != op.srv.URL+"/auth" {
		t.Fatalf("redirect target = %q", got)
	}
	q := u.Query()
	want := map[string]string{
		"client_id":             testClientID,
		"redirect_uri":          testRedirectURI,
		"response_type":         "code",
		"scope":                 "openid webid offline_access",
		"code_challenge_method": "S256",
		"prompt":                "consent",
		"response_mode":         "query",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		t.Fatalf("missing state or code_challenge: %v", q)
	}

	tok := s.Tokens()
	if tok.Issuer != op.srv.URL || tok.ClientID != testClientID {
		t.Fatalf("issuer/client not recorded: %+v", tok)
	}
}

func TestLogin_RequiresRedirectSink(t *testing.T) {
	s := newTestSession(t)
	err := s.Login(context.Background(), "https://op.example", testClientID, testRedirectURI)
	if !errors.Is(err, ErrNoRedirectSink) {
		t.Fatalf("want ErrNoRedirectSink, got %v", err)
	}
}

func TestHandleRedirect_CompletesLogin(t *testing.T) {
	op := newMockOP(t)
	sink := &recordingSink{}
	store, err := memory.New(64)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := newTestSession(t,
		WithHTTPClient(op.srv.Client()),
		WithRedirectSink(sink),
		WithStorage(store),
		WithSessionID("sess-1"),
	)
	authURL := login(t, s, op, sink)
	state := authURL.Query().Get("state")
	challenge := authURL.Query().Get("code_challenge")

	ok, err := s.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state="+state)
	if err != nil || !ok {
		t.Fatalf("HandleRedirect = %v, %v", ok, err)
	}

	op.mu.Lock()
	verifiers := append([]string(nil), op.codeVerifiers...)
	op.mu.Unlock()
	if len(verifiers) != 1 {
		t.Fatalf("code exchanges = %d", len(verifiers))
	}
	sum := sha256.Sum256([]byte(verifiers[0]))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		t.Fatal("code_verifier does not match code_challenge")
	}

	tok := s.Tokens()
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" || tok.IDToken == "" {
		t.Fatalf("tokens = %+v", tok)
	}
	if s.WebID() != testWebID {
		t.Fatalf("WebID = %q", s.WebID())
	}
	if !s.IsLoggedIn(context.Background()) {
		t.Fatal("expected logged in")
	}

	// Login state is single-use.
	if _, err := s.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state="+state); !errors.Is(err, ErrMissingLoginState) {
		t.Fatalf("replayed redirect: want ErrMissingLoginState, got %v", err)
	}

	// A second session on the same namespace hydrates the persisted tokens.
	again := newTestSession(t, WithStorage(store), WithSessionID("sess-1"))
	if got := again.Tokens(); got.AccessToken != "access-1" || got.WebID != testWebID {
		t.Fatalf("hydrated tokens = %+v", got)
	}
}

func TestHandleRedirect_NoCode(t *testing.T) {
	s := newTestSession(t)
	ok, err := s.HandleRedirect(context.Background(), testRedirectURI+"?state=x")
	if ok || err != nil {
		t.Fatalf("HandleRedirect = %v, %v; want false, nil", ok, err)
	}
}

func TestHandleRedirect_StateMismatch(t *testing.T) {
	op := newMockOP(t)
	sink := &recordingSink{}
	s := newTestSession(t, WithHTTPClient(op.srv.Client()), WithRedirectSink(sink))
	login(t, s, op, sink)

	_, err := s.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=forged")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("want ErrStateMismatch, got %v", err)
	}
	if op.tokenCalls.Load() != 0 {
		t.Fatal("code must not be exchanged on state mismatch")
	}
}

func TestHandleRedirect_WithoutLogin(t *testing.T) {
	s := newTestSession(t)
	_, err := s.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=s")
	if !errors.Is(err, ErrMissingLoginState) {
		t.Fatalf("want ErrMissingLoginState, got %v", err)
	}
}

func TestHandleRedirect_PinnedJWKS(t *testing.T) {
	op := newMockOP(t)
	sink := &recordingSink{}
	s := newTestSession(t,
		WithHTTPClient(op.srv.Client()),
		WithRedirectSink(sink),
		WithJWKSURL(op.srv.URL+"/keys"),
	)
	state := login(t, s, op, sink).Query().Get("state")
	ok, err := s.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state="+state)
	if err != nil || !ok {
		t.Fatalf("HandleRedirect = %v, %v", ok, err)
	}
	if s.WebID() != testWebID {
		t.Fatalf("WebID = %q", s.WebID())
	}
}

func TestEnsureValidToken(t *testing.T) {
	op := newMockOP(t)
	now := time.Now()
	s := newTestSession(t,
		WithHTTPClient(op.srv.Client()),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	fresh := Tokens{
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		Expiry:       now.Add(time.Hour),
		Issuer:       op.srv.URL,
		ClientID:     testClientID,
	}
	if err := s.SetTokens(ctx, fresh); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if err := s.EnsureValidToken(ctx); err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if op.tokenCalls.Load() != 0 {
		t.Fatal("fresh token must not be refreshed")
	}

	stale := fresh
	stale.Expiry = now.Add(30 * time.Second)
	if err := s.SetTokens(ctx, stale); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	tok, err := s.BearerToken(ctx)
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}
	if tok != "access-2" {
		t.Fatalf("BearerToken = %q, want refreshed access-2", tok)
	}
	got := s.Tokens()
	if got.RefreshToken != "refresh-2" || got.WebID != testWebID {
		t.Fatalf("refreshed tokens = %+v", got)
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if len(op.refreshTokens) != 1 || op.refreshTokens[0] != "refresh-0" {
		t.Fatalf("refresh grants = %v", op.refreshTokens)
	}
}

func TestEnsureValidToken_NoRefreshToken(t *testing.T) {
	s := newTestSession(t)
	err := s.SetTokens(context.Background(), Tokens{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if err := s.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
}

func TestCreateClaimToken(t *testing.T) {
	op := newMockOP(t)
	s := newTestSession(t)
	ctx := context.Background()

	if _, err := s.CreateClaimToken(ctx); !errors.Is(err, ErrNoIDToken) {
		t.Fatalf("want ErrNoIDToken, got %v", err)
	}
	if s.IsLoggedIn(ctx) {
		t.Fatal("empty session reported logged in")
	}

	raw := op.idToken(t, testWebID)
	if err := s.SetTokens(ctx, Tokens{IDToken: raw}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	got, err := s.CreateClaimToken(ctx)
	if err != nil || got != raw {
		t.Fatalf("CreateClaimToken = %q, %v", got, err)
	}
	if s.WebID() != testWebID {
		t.Fatalf("WebID derived from ID token = %q", s.WebID())
	}
}

func TestLogout(t *testing.T) {
	op := newMockOP(t)
	sink := &recordingSink{}
	s := newTestSession(t, WithHTTPClient(op.srv.Client()), WithRedirectSink(sink))
	ctx := context.Background()

	raw := op.idToken(t, testWebID)
	if err := s.SetTokens(ctx, Tokens{IDToken: raw, AccessToken: "a", Issuer: op.srv.URL, ClientID: testClientID}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if err := s.StoreUMAToken(ctx, "https://rs.example/doc", "GET", umacache.Token{TokenType: "Bearer", AccessToken: "u", ExpiresIn: 300}); err != nil {
		t.Fatalf("StoreUMAToken: %v", err)
	}

	if err := s.Logout(ctx, "https://app.example/bye"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	u := sink.last(t)
	if u.Path != "/logout" {
		t.Fatalf("logout redirect path = %q", u.Path)
	}
	if u.Query().Get("id_token_hint") != raw || u.Query().Get("post_logout_redirect_uri") != "https://app.example/bye" {
		t.Fatalf("logout query = %v", u.Query())
	}
	if s.Tokens() != (Tokens{}) {
		t.Fatalf("tokens not cleared: %+v", s.Tokens())
	}
	if e, err := s.CachedUMAToken(ctx, "https://rs.example/doc", "GET"); err != nil || e != nil {
		t.Fatalf("UMA cache not cleared: %v, %v", e, err)
	}
}

func TestLogout_WithoutIssuer(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSession(t, WithRedirectSink(sink))
	if err := s.Logout(context.Background(), "https://app.example/bye"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(sink.urls) != 0 {
		t.Fatalf("unexpected redirect: %v", sink.urls)
	}
}

func TestClient_NegotiatesAndCaches(t *testing.T) {
	op := newMockOP(t)
	idTok := op.idToken(t, testWebID)

	var asCalls atomic.Int32
	mux := http.NewServeMux()
	as := httptest.NewServer(mux)
	t.Cleanup(as.Close)
	mux.HandleFunc("/.well-known/uma2-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token_endpoint": as.URL + "/token"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		asCalls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["claim_token"] != idTok || body["ticket"] != "t1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "rpt", "token_type": "Bearer", "expires_in": 300})
	})

	var rsHits atomic.Int32
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rsHits.Add(1)
		if r.Header.Get("Authorization") == "Bearer rpt" {
			_, _ = io.WriteString(w, "secret")
			return
		}
		w.Header().Set("WWW-Authenticate", `UMA as_uri="`+as.URL+`", ticket="t1"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(rs.Close)

	s := newTestSession(t)
	if err := s.SetTokens(context.Background(), Tokens{IDToken: idTok}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := s.Client().Get(rs.URL + "/doc")
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		b, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK || string(b) != "secret" {
			t.Fatalf("Get #%d = %d %q", i, res.StatusCode, b)
		}
	}
	if asCalls.Load() != 1 {
		t.Fatalf("token requests = %d, want 1 (second fetch served from cache)", asCalls.Load())
	}
	if rsHits.Load() != 3 {
		t.Fatalf("resource hits = %d, want 3", rsHits.Load())
	}
	if e, _ := s.CachedUMAToken(context.Background(), rs.URL+"/doc", "GET"); e == nil || e.AccessToken != "rpt" {
		t.Fatalf("cached entry = %+v", e)
	}
}

func TestAddFormatResolver(t *testing.T) {
	s := newTestSession(t)
	before := len(s.ClaimResolvers())
	if before == 0 {
		t.Fatal("built-in resolvers missing")
	}
	err := s.AddFormatResolver("urn:example:vc", func(context.Context, claims.RequiredClaim, claims.Session) (*claims.Claim, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("AddFormatResolver: %v", err)
	}
	defs := s.ClaimResolvers()
	if len(defs) != before+1 {
		t.Fatalf("resolver count = %d, want %d", len(defs), before+1)
	}
	if !strings.HasSuffix(defs[len(defs)-1].ID, "urn:example:vc") {
		t.Fatalf("appended resolver id = %q", defs[len(defs)-1].ID)
	}
}

func TestDefaultSession(t *testing.T) {
	resetDefault(t)

	if err := ConfigureDefault(WithSessionID("default-test")); err != nil {
		t.Fatalf("ConfigureDefault: %v", err)
	}
	a, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	b, _ := Default()
	if a != b || a.ID() != "default-test" {
		t.Fatalf("Default returned %p (%s) and %p", a, a.ID(), b)
	}
	if err := ConfigureDefault(); !errors.Is(err, ErrDefaultConfigured) {
		t.Fatalf("want ErrDefaultConfigured, got %v", err)
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("UMA_SESSION_ID", "env-session")
	t.Setenv("UMA_HTTP_TIMEOUT", "5s")
	t.Setenv("UMA_PERSIST_TOKENS", "false")
	t.Setenv("REDIS_ADDR", "")

	s, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if s.ID() != "env-session" {
		t.Fatalf("ID = %q", s.ID())
	}
	if s.HTTPClient().Timeout != 5*time.Second {
		t.Fatalf("timeout = %v", s.HTTPClient().Timeout)
	}
	if s.persist {
		t.Fatal("persistence should be disabled")
	}
	if !s.ownsStore {
		t.Fatal("env-built store should be owned by the session")
	}
}

func resetDefault(t *testing.T) {
	t.Helper()
	reset := func() {
		defaultCell.mu.Lock()
		if defaultCell.sess != nil {
			_ = defaultCell.sess.Close()
		}
		defaultCell.opts = nil
		defaultCell.sess = nil
		defaultCell.mu.Unlock()
	}
	reset()
	t.Cleanup(reset)
}
