package uma

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/uma-client-go/claims"
)

const (
	// AccessTokenFormat is the RFC 8693 token type URN for access tokens.
	AccessTokenFormat = "urn:ietf:params:oauth:token-type:access_token"
	// DerivationAccessClaimType asks for an access token to a derived
	// resource held by an aggregator.
	DerivationAccessClaimType = "https://spec.knows.idlab.ugent.be/aggregator-protocol/latest/#derivation-access"
)

// AccessTokenClaimResolver satisfies an access-token claim by negotiating,
// against "<issuer>/token", a token for the resource named in the claim.
func AccessTokenClaimResolver(ctx context.Context, required claims.RequiredClaim, sess claims.Session) (*claims.Claim, error) {
	issuer, err := singleField(required, claims.FieldIssuer)
	if err != nil {
		return nil, err
	}
	resourceID, err := singleField(required, claims.FieldName)
	if err != nil {
		return nil, err
	}
	if resourceID == "" {
		if resourceID, err = singleField(required, claims.FieldClaimType); err != nil {
			return nil, err
		}
	}
	if issuer == "" || resourceID == "" {
		return nil, fmt.Errorf("%w: access token claim requires issuer and resource identifier", claims.ErrIncompleteClaim)
	}

	endpoint := strings.TrimSuffix(issuer, "/") + "/token"
	// ctx carries the enclosing run's logger and options.
	tok, err := FetchAccessToken(ctx, sess, endpoint, PermissionRequest(PermissionDescription{ResourceID: resourceID}))
	if err != nil {
		return nil, fmt.Errorf("uma: derive access token for %s: %w", resourceID, err)
	}
	return &claims.Claim{ClaimToken: tok.AccessToken, ClaimTokenFormat: AccessTokenFormat}, nil
}

func singleField(rc claims.RequiredClaim, f claims.Field) (string, error) {
	v := rc.Values(f)
	if len(v) == 0 {
		return "", nil
	}
	s, ok := v.Single()
	if !ok {
		return "", fmt.Errorf("%w: claim field %q must be a single value", claims.ErrIncompleteClaim, f)
	}
	return s, nil
}

// AccessTokenResolvers returns the built-in "access-token" resolver.
func AccessTokenResolvers() []claims.ResolverDefinition {
	return []claims.ResolverDefinition{
		{
			ID: "access-token",
			Match: []claims.Matcher{
				{claims.FieldClaimTokenFormat: claims.One(AccessTokenFormat)},
				{claims.FieldClaimType: claims.One(AccessTokenFormat)},
				{claims.FieldClaimType: claims.One(DerivationAccessClaimType)},
			},
			Resolve: AccessTokenClaimResolver,
		},
	}
}

// DefaultResolvers returns the built-in resolvers in registration order.
func DefaultResolvers() []claims.ResolverDefinition {
	return append(claims.IDTokenResolvers(), AccessTokenResolvers()...)
}
