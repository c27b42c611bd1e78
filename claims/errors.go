package claims

import (
	"errors"
	"fmt"
)

// ErrNoResolverMatched indicates that no registered resolver accepts a
// required claim. It is fatal to the calling flow.
var ErrNoResolverMatched = errors.New("claims: no resolver matched required claim")

// ErrIncompleteClaim indicates a resolver produced a claim without a token or
// format, or could not produce one from the information given.
var ErrIncompleteClaim = errors.New("claims: incomplete claim")

// ErrInvalidResolver is returned when registering a malformed definition.
var ErrInvalidResolver = errors.New("claims: invalid resolver definition")

// NoResolverMatchedError names the required claim that found no resolver.
type NoResolverMatchedError struct {
	Claim RequiredClaim
}

func (e *NoResolverMatchedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNoResolverMatched.Error(), e.Claim)
}

func (e *NoResolverMatchedError) Unwrap() error { return ErrNoResolverMatched }
