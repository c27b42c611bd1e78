package idtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/uma-client-go/internal/wellknown"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrInvalid indicates that an ID token failed signature, issuer, audience or
// time validation.
var ErrInvalid = errors.New("idtoken: invalid token")

// Identity is the verified content of an ID token.
type Identity struct {
	Subject string
	Issuer  string
	Expiry  time.Time
	// WebID is the "webid" claim, or the subject when absent.
	WebID string

	claims map[string]any
}

// Claims decodes the full claim set into ref.
func (i *Identity) Claims(ref any) error {
	b, err := json.Marshal(i.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates raw ID tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*Identity, error)
}

// Config controls discovery-based verification.
type Config struct {
	Issuer string
	// ClientID is the expected audience. When empty the audience is not
	// checked, which only suits discovery for logout.
	ClientID string
	// AllowedAlgs defaults to RS256.
	AllowedAlgs []string
	// HTTPClient is used for discovery and key fetches. Optional.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config accepting RS256 and ES256 signatures.
func DefaultConfig() *Config {
	return &Config{AllowedAlgs: []string{oidc.RS256, oidc.ES256}}
}

// Provider is an OpenID provider discovered at construction. It verifies ID
// tokens and exposes the endpoints the login flows need.
type Provider struct {
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	issuer     string
	endSession string
}

// NewFromDiscovery performs OpenID discovery for cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta wellknown.OpenIDConfiguration
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}

	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{oidc.RS256}
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:             cfg.ClientID,
		SkipClientIDCheck:    cfg.ClientID == "",
		SupportedSigningAlgs: slices.Clone(algs),
	})

	return &Provider{
		provider:   provider,
		verifier:   verifier,
		issuer:     meta.Issuer,
		endSession: meta.EndSessionEndpoint,
	}, nil
}

// Endpoint returns the provider's authorization and token endpoints.
func (p *Provider) Endpoint() oauth2.Endpoint { return p.provider.Endpoint() }

// EndSessionEndpoint returns the RP-initiated logout endpoint, if advertised.
func (p *Provider) EndSessionEndpoint() string { return p.endSession }

// Issuer returns the issuer advertised in discovery.
func (p *Provider) Issuer() string { return p.issuer }

// Verify implements Verifier.
func (p *Provider) Verify(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}
	tok, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var claims map[string]any
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalid, err)
	}
	return &Identity{
		Subject: tok.Subject,
		Issuer:  tok.Issuer,
		Expiry:  tok.Expiry,
		WebID:   webIDFrom(claims),
		claims:  claims,
	}, nil
}

// WebID extracts the WebID from a raw ID token without verifying it: the
// "webid" claim, falling back to "sub".
func WebID(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	id := webIDFrom(claims)
	if id == "" {
		return "", fmt.Errorf("%w: no webid or sub claim", ErrInvalid)
	}
	return id, nil
}

func webIDFrom(claims map[string]any) string {
	if w, _ := claims["webid"].(string); w != "" {
		return w
	}
	sub, _ := claims["sub"].(string)
	return sub
}

var _ Verifier = (*Provider)(nil)
