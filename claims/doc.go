// Package claims selects and runs claim resolvers for UMA "need_info"
// responses.
//
// An authorization server that needs more evidence before issuing a token
// answers with a list of required claims. Each RequiredClaim names acceptable
// values for some of claim_token_format, claim_type, issuer, name and
// friendly_name. A ResolverDefinition declares, through one or more Matchers,
// which required claims it can satisfy and produces the Claim (token plus
// format) to push back to the server.
//
// # Selection
//
// Resolve ranks every matching resolver by Priority (higher wins), then by
// specificity (the number of matcher fields that had to align), then by
// registration order. A resolver with no Match accepts everything at
// specificity 0, which makes it a natural catch-all:
//
//	reg, _ := claims.NewRegistry(claims.IDTokenResolvers()...)
//	_ = reg.AddFormat("urn:example:vc", func(ctx context.Context, rc claims.RequiredClaim, s claims.Session) (*claims.Claim, error) {
//	    return &claims.Claim{ClaimToken: presentation, ClaimTokenFormat: "urn:example:vc"}, nil
//	})
//
// # Errors
//
// Gather fails with a *NoResolverMatchedError (matching ErrNoResolverMatched
// via errors.Is) when a required claim has no candidate resolver.
package claims
