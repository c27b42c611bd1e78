// Package idtoken verifies OpenID Connect ID tokens, either through a
// discovered provider (go-oidc) or against a fixed JWKS (keyfunc), and
// extracts the WebID a token asserts.
package idtoken
