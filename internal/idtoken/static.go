package idtoken

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// StaticConfig controls verification against a fixed JWKS, without discovery.
type StaticConfig struct {
	Issuer      string
	ClientID    string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultStaticConfig returns a StaticConfig with RS256 and a one minute leeway.
func DefaultStaticConfig() *StaticConfig {
	return &StaticConfig{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

// StaticVerifier validates ID tokens with keys from a JWKS URL that is
// refreshed in the background for as long as the construction context lives.
type StaticVerifier struct {
	cfg     *StaticConfig
	keyfunc jwt.Keyfunc
}

// NewStatic fetches keys from jwksURI.
func NewStatic(ctx context.Context, cfg *StaticConfig, jwksURI string) (*StaticVerifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &StaticVerifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.ClientID))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, v.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrInvalid, err)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalid)
	}
	iss, _ := claims.GetIssuer()
	id := &Identity{Subject: sub, Issuer: iss, WebID: webIDFrom(claims), claims: claims}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.Expiry = exp.Time
	}
	return id, nil
}

var _ Verifier = (*StaticVerifier)(nil)
