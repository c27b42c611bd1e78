package wellknown

import "strings"

const (
	UMAConfigurationPath    = ".well-known/uma2-configuration"
	OpenIDConfigurationPath = ".well-known/openid-configuration"
)

// UMAConfiguration is the UMA 2.0 authorization server metadata document.
type UMAConfiguration struct {
	Issuer                            string   `json:"issuer,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	PermissionEndpoint                string   `json:"permission_endpoint,omitempty"`
	ResourceRegistrationEndpoint      string   `json:"resource_registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	ClaimsInteractionEndpoint         string   `json:"claims_interaction_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	UMAProfilesSupported              []string `json:"uma_profiles_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	ClientIDMetadataDocumentSupported bool     `json:"client_id_metadata_document_supported,omitempty"`
}

// OpenIDConfiguration carries the subset of OpenID provider metadata that is
// not exposed directly by go-oidc's Provider.
type OpenIDConfiguration struct {
	Issuer             string `json:"issuer"`
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`
	JwksURI            string `json:"jwks_uri,omitempty"`
}

// JoinPath resolves path relative to base as if base ended in a slash.
func JoinPath(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// UMAConfigurationURL returns the metadata URL for an authorization server.
// An as_uri that already points into /.well-known/ is used verbatim.
func UMAConfigurationURL(asURI string) string {
	if strings.Contains(asURI, "/.well-known/") {
		return asURI
	}
	return JoinPath(asURI, UMAConfigurationPath)
}
