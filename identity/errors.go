package identity

import "errors"

var (
	// ErrNoIDToken is returned by CreateClaimToken when the session holds no
	// ID token.
	ErrNoIDToken = errors.New("identity: no ID token available for UMA claims")

	// ErrStateMismatch means the state on a redirect does not match the one
	// issued by Login.
	ErrStateMismatch = errors.New("identity: OIDC state mismatch")

	// ErrMissingLoginState means HandleRedirect found no pending login.
	ErrMissingLoginState = errors.New("identity: missing stored OIDC parameters")

	// ErrNoRedirectSink is returned by Login when no RedirectSink is set.
	ErrNoRedirectSink = errors.New("identity: no redirect sink configured")

	// ErrDefaultConfigured is returned by ConfigureDefault once the default
	// session exists.
	ErrDefaultConfigured = errors.New("identity: default session already created")
)
