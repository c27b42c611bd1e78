// Package uma implements the client side of the UMA 2.0 ticket grant.
//
// A resource server that wants more than a plain bearer token answers with
//
//	HTTP/1.1 401 Unauthorized
//	WWW-Authenticate: UMA realm="example", as_uri="https://as.example", ticket="016f84e8"
//
// Transport recognises that challenge, discovers the authorization server's
// token endpoint and runs FetchAccessToken. The negotiation pushes the
// session's ID token first and then answers each need_info response with one
// claim picked through the claims package, until the server issues a token.
// The original request is retried once with the new token.
//
// Negotiation always terminates: a run remembers the canonical key (see
// ClaimKey) of every claim it has pushed and fails with ErrNegotiationStuck
// when the server only asks for those again.
package uma
