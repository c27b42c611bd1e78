package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
)

// Field names a RequiredClaim attribute that a Matcher can constrain.
type Field string

const (
	FieldClaimTokenFormat Field = "claim_token_format"
	FieldClaimType        Field = "claim_type"
	FieldIssuer           Field = "issuer"
	FieldName             Field = "name"
	FieldFriendlyName     Field = "friendly_name"
)

// Fields lists every matchable field in evaluation order.
var Fields = []Field{
	FieldClaimTokenFormat,
	FieldClaimType,
	FieldIssuer,
	FieldName,
	FieldFriendlyName,
}

// Values is a set of acceptable values for a single claim field. On the wire
// it is either a bare string or an array of strings.
type Values []string

// One returns a Values holding exactly v.
func One(v string) Values { return Values{v} }

// Any returns a Values holding each of vs.
func Any(vs ...string) Values { return append(Values(nil), vs...) }

// Contains reports whether v is one of the values.
func (v Values) Contains(s string) bool { return slices.Contains(v, s) }

// Intersects reports whether any element of v is also in other.
func (v Values) Intersects(other Values) bool {
	for _, s := range v {
		if other.Contains(s) {
			return true
		}
	}
	return false
}

// Single returns the sole value. ok is false when the set is empty or holds
// more than one value.
func (v Values) Single() (string, bool) {
	if len(v) != 1 {
		return "", false
	}
	return v[0], true
}

// UnmarshalJSON accepts a string, an array of strings or null.
func (v *Values) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*v = nil
			return nil
		}
		*v = Values{s}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("claim value must be a string or array of strings: %w", err)
	}
	*v = arr
	return nil
}

// MarshalJSON encodes single-element sets as a bare string.
func (v Values) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

// RequiredClaim is one claim the authorization server demands before it will
// issue a token. Values received from the server are never mutated.
type RequiredClaim struct {
	ClaimTokenFormat Values `json:"claim_token_format,omitempty"`
	ClaimType        Values `json:"claim_type,omitempty"`
	Issuer           Values `json:"issuer,omitempty"`
	Name             Values `json:"name,omitempty"`
	FriendlyName     Values `json:"friendly_name,omitempty"`
}

// Values returns the set carried by the given field.
func (r RequiredClaim) Values(f Field) Values {
	switch f {
	case FieldClaimTokenFormat:
		return r.ClaimTokenFormat
	case FieldClaimType:
		return r.ClaimType
	case FieldIssuer:
		return r.Issuer
	case FieldName:
		return r.Name
	case FieldFriendlyName:
		return r.FriendlyName
	default:
		return nil
	}
}

func (r RequiredClaim) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return "<invalid required claim>"
	}
	return string(b)
}

// Claim is the material produced to satisfy a RequiredClaim.
type Claim struct {
	ClaimToken       string `json:"claim_token,omitempty"`
	ClaimTokenFormat string `json:"claim_token_format,omitempty"`
}

// Complete reports whether both the token and its format are present.
func (c Claim) Complete() bool {
	return c.ClaimToken != "" && c.ClaimTokenFormat != ""
}

// Session is the capability a claim resolver (and the negotiation loop) needs
// from the identity layer.
type Session interface {
	// HTTPClient is the transport used for authorization server calls.
	HTTPClient() *http.Client
	// CreateClaimToken returns the current identity (ID) token. It fails if
	// no identity token is available.
	CreateClaimToken(ctx context.Context) (string, error)
	// ClaimResolvers returns a snapshot of the registered resolvers in
	// registration order.
	ClaimResolvers() []ResolverDefinition
}

// ResolverFunc produces a Claim for a required claim. Returning (nil, nil)
// means the resolver had nothing to contribute.
type ResolverFunc func(ctx context.Context, required RequiredClaim, sess Session) (*Claim, error)

// ResolverDefinition is a registered claim resolver. A nil or empty Match
// accepts every required claim at specificity 0.
type ResolverDefinition struct {
	ID       string
	Match    []Matcher
	Priority int
	Resolve  ResolverFunc
}
