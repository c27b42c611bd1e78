package uma

import (
	"errors"
	"fmt"

	"github.com/ggoodman/uma-client-go/claims"
)

var (
	// ErrProtocol covers malformed or unexpected authorization server
	// responses. It is never retried.
	ErrProtocol = errors.New("uma: protocol error")

	// ErrNegotiationStuck means the server demanded only claims that were
	// already pushed in the current run.
	ErrNegotiationStuck = errors.New("uma: negotiation stuck")

	// ErrInvalidRequest is returned for a Request with neither a ticket nor
	// permissions.
	ErrInvalidRequest = errors.New("uma: request needs a ticket or permissions")
)

// maxPayloadInError bounds how much of a response body is quoted in Error.
const maxPayloadInError = 256

// TokenRequestError reports a failed call to the token or metadata endpoint.
type TokenRequestError struct {
	Message string
	Status  int
	Payload []byte
}

func (e *TokenRequestError) Error() string {
	msg := fmt.Sprintf("%s: %s (status %d)", ErrProtocol.Error(), e.Message, e.Status)
	if len(e.Payload) > 0 {
		p := e.Payload
		if len(p) > maxPayloadInError {
			p = p[:maxPayloadInError]
		}
		msg += ": " + string(p)
	}
	return msg
}

func (e *TokenRequestError) Unwrap() error { return ErrProtocol }

// NegotiationStuckError lists the required claims the server re-requested.
type NegotiationStuckError struct {
	Claims []claims.RequiredClaim
}

func (e *NegotiationStuckError) Error() string {
	return fmt.Sprintf("%s: server re-requested already pushed claims %v", ErrNegotiationStuck.Error(), e.Claims)
}

func (e *NegotiationStuckError) Unwrap() error { return ErrNegotiationStuck }
