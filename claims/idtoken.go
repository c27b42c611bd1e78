package claims

import "context"

const (
	// IDTokenFormat is the OpenID Connect ID token claim token format.
	IDTokenFormat = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"
	// IDTokenFormatURN is the RFC 8693 token type URN for ID tokens.
	IDTokenFormatURN = "urn:ietf:params:oauth:token-type:id_token"
)

// IDTokenClaimResolver pushes the session's current ID token.
func IDTokenClaimResolver(ctx context.Context, _ RequiredClaim, sess Session) (*Claim, error) {
	tok, err := sess.CreateClaimToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Claim{ClaimToken: tok, ClaimTokenFormat: IDTokenFormat}, nil
}

// IDTokenResolvers returns the built-in "id-token" resolver, which accepts
// either ID token identifier as a claim_token_format or a claim_type.
func IDTokenResolvers() []ResolverDefinition {
	formats := Any(IDTokenFormat, IDTokenFormatURN)
	return []ResolverDefinition{
		{
			ID: "id-token",
			Match: []Matcher{
				{FieldClaimTokenFormat: formats},
				{FieldClaimType: formats},
			},
			Resolve: IDTokenClaimResolver,
		},
	}
}
