package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/uma-client-go/internal/idtoken"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultScopes are requested by Login when none are given.
var DefaultScopes = []string{"openid", "webid", "offline_access"}

// refreshWindow is how close to expiry a token is refreshed.
const refreshWindow = 60 * time.Second

// RedirectSink sends the user agent to a URL.
type RedirectSink interface {
	Redirect(ctx context.Context, url string) error
}

// RedirectFunc adapts a function to RedirectSink.
type RedirectFunc func(ctx context.Context, url string) error

func (f RedirectFunc) Redirect(ctx context.Context, url string) error { return f(ctx, url) }

type loginState struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
}

func (s *Session) discover(ctx context.Context, issuer, clientID string) (*idtoken.Provider, error) {
	cfg := idtoken.DefaultConfig()
	cfg.Issuer = strings.TrimSuffix(issuer, "/")
	cfg.ClientID = clientID
	cfg.HTTPClient = s.httpClient
	return idtoken.NewFromDiscovery(ctx, cfg)
}

func (s *Session) oauthConfig(p *idtoken.Provider, clientID, redirectURI string, scopes []string) *oauth2.Config {
	ep := p.Endpoint()
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    ep,
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}

func (s *Session) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// Login starts the authorization code flow with PKCE (S256) and sends the
// user agent to the provider's authorization endpoint.
func (s *Session) Login(ctx context.Context, issuer, clientID, redirectURI string, scopes ...string) error {
	if s.redirect == nil {
		return ErrNoRedirectSink
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	p, err := s.discover(ctx, issuer, clientID)
	if err != nil {
		return fmt.Errorf("identity: login: %w", err)
	}
	if p.Endpoint().AuthURL == "" {
		return fmt.Errorf("identity: login: provider has no authorization_endpoint")
	}

	st := loginState{
		State:        uuid.NewString(),
		CodeVerifier: oauth2.GenerateVerifier(),
		Issuer:       issuer,
		ClientID:     clientID,
		RedirectURI:  redirectURI,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("identity: encode login state: %w", err)
	}
	if err := s.store.Set(ctx, keyLogin, data, s.nsOpt()); err != nil {
		return fmt.Errorf("identity: store login state: %w", err)
	}

	s.mu.Lock()
	s.tokens.Issuer = issuer
	s.tokens.ClientID = clientID
	s.mu.Unlock()

	authURL := s.oauthConfig(p, clientID, redirectURI, scopes).AuthCodeURL(st.State,
		oauth2.S256ChallengeOption(st.CodeVerifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
	s.log.InfoContext(ctx, "identity.login.redirect", slog.String("issuer", issuer))
	return s.redirect.Redirect(ctx, authURL)
}

// HandleRedirect completes a login from the callback URL the provider
// redirected to. It returns false when the URL carries no authorization code.
func (s *Session) HandleRedirect(ctx context.Context, callbackURL string) (bool, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return false, fmt.Errorf("identity: parse callback: %w", err)
	}
	q := u.Query()
	code := q.Get("code")
	if code == "" {
		return false, nil
	}

	item, err := s.store.Get(ctx, keyLogin, s.nsOpt())
	if err != nil {
		return false, fmt.Errorf("identity: load login state: %w", err)
	}
	if item == nil {
		return false, ErrMissingLoginState
	}
	var st loginState
	if err := json.Unmarshal(item.Data, &st); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMissingLoginState, err)
	}
	if state := q.Get("state"); state == "" || state != st.State {
		return false, ErrStateMismatch
	}
	if st.Issuer == "" || st.ClientID == "" || st.RedirectURI == "" || st.CodeVerifier == "" {
		return false, ErrMissingLoginState
	}

	p, err := s.discover(ctx, st.Issuer, st.ClientID)
	if err != nil {
		return false, fmt.Errorf("identity: redirect: %w", err)
	}
	cfg := s.oauthConfig(p, st.ClientID, st.RedirectURI, nil)
	tok, err := cfg.Exchange(s.oauthContext(ctx), code, oauth2.VerifierOption(st.CodeVerifier))
	if err != nil {
		return false, fmt.Errorf("identity: code exchange: %w", err)
	}

	next := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Issuer:       st.Issuer,
		ClientID:     st.ClientID,
	}
	if raw, _ := tok.Extra("id_token").(string); raw != "" {
		id, err := s.verifier(ctx, p, st).Verify(ctx, raw)
		if err != nil {
			return false, fmt.Errorf("identity: %w", err)
		}
		next.IDToken = raw
		next.WebID = id.WebID
	}

	if err := s.SetTokens(ctx, next); err != nil {
		return false, err
	}
	if err := s.store.Delete(ctx, s.keyOpt(keyLogin)...); err != nil {
		s.log.WarnContext(ctx, "identity.login_state.delete_failed", slog.String("err", err.Error()))
	}
	s.log.InfoContext(ctx, "identity.redirect.handled", slog.String("webid", next.WebID))
	return true, nil
}

func (s *Session) verifier(ctx context.Context, p *idtoken.Provider, st loginState) idtoken.Verifier {
	if s.jwksURL == "" {
		return p
	}
	cfg := idtoken.DefaultStaticConfig()
	cfg.Issuer = p.Issuer()
	cfg.ClientID = st.ClientID
	v, err := idtoken.NewStatic(ctx, cfg, s.jwksURL)
	if err != nil {
		s.log.WarnContext(ctx, "identity.jwks.unavailable", slog.String("err", err.Error()))
		return p
	}
	return v
}

// EnsureValidToken refreshes the tokens when they expire within a minute
// and a refresh token is held. It is a no-op otherwise.
func (s *Session) EnsureValidToken(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	t := s.Tokens()
	if t.Expiry.IsZero() || t.RefreshToken == "" {
		return nil
	}
	if s.now().Before(t.Expiry.Add(-refreshWindow)) {
		return nil
	}
	if t.Issuer == "" || t.ClientID == "" {
		return nil
	}

	p, err := s.discover(ctx, t.Issuer, t.ClientID)
	if err != nil {
		return fmt.Errorf("identity: refresh: %w", err)
	}
	if p.Endpoint().TokenURL == "" {
		return nil
	}

	cfg := s.oauthConfig(p, t.ClientID, "", nil)
	tok, err := cfg.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: t.RefreshToken}).Token()
	if err != nil {
		s.log.WarnContext(ctx, "identity.refresh.failed", slog.String("err", err.Error()))
		return fmt.Errorf("identity: refresh: %w", err)
	}

	if tok.AccessToken != "" {
		t.AccessToken = tok.AccessToken
	}
	if raw, _ := tok.Extra("id_token").(string); raw != "" {
		t.IDToken = raw
		t.WebID = ""
	}
	if tok.RefreshToken != "" {
		t.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		t.Expiry = tok.Expiry
	}
	s.log.InfoContext(ctx, "identity.refresh")
	return s.SetTokens(ctx, t)
}

// IsLoggedIn reports whether the session holds a usable access or ID token.
func (s *Session) IsLoggedIn(ctx context.Context) bool {
	if err := s.EnsureValidToken(ctx); err != nil {
		return false
	}
	t := s.Tokens()
	return t.AccessToken != "" || t.IDToken != ""
}

// Logout clears the session and, when the provider advertises an
// end_session_endpoint, sends the user agent there with an id_token_hint.
// Discovery failures after the local state is cleared are not reported.
func (s *Session) Logout(ctx context.Context, postLogoutRedirectURI string) error {
	t := s.Tokens()
	if err := s.ClearCache(ctx); err != nil {
		return fmt.Errorf("identity: logout: %w", err)
	}
	if t.Issuer == "" || s.redirect == nil {
		return nil
	}

	p, err := s.discover(ctx, t.Issuer, t.ClientID)
	if err != nil {
		s.log.WarnContext(ctx, "identity.logout.discovery_failed", slog.String("err", err.Error()))
		return nil
	}
	endSession := p.EndSessionEndpoint()
	if endSession == "" {
		return nil
	}

	params := url.Values{}
	if t.IDToken != "" {
		params.Set("id_token_hint", t.IDToken)
	}
	params.Set("post_logout_redirect_uri", postLogoutRedirectURI)

	sep := "?"
	if strings.Contains(endSession, "?") {
		sep = "&"
	}
	s.log.InfoContext(ctx, "identity.logout")
	return s.redirect.Redirect(ctx, endSession+sep+params.Encode())
}
