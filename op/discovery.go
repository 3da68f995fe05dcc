package op

import (
	"sort"
)

// ProviderMetadata is the oidc discovery document served at
// /.well-known/openid-configuration.
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ACRValuesSupported                []string `json:"acr_values_supported,omitempty"`
	ClaimsParameterSupported          bool     `json:"claims_parameter_supported"`
}

// Metadata assembles the discovery document.  It is a pure function of the
// provider's static configuration and key material; no mutable state is
// consulted.
func (p *Provider) Metadata() *ProviderMetadata {
	issuer := p.config.Issuer

	algs := map[string]struct{}{DefaultIDTokenAlg: {}}
	for _, c := range p.registry.clients {
		algs[string(c.SigningAlg())] = struct{}{}
	}
	algList := make([]string, 0, len(algs))
	for a := range algs {
		algList = append(algList, a)
	}
	sort.Strings(algList)

	return &ProviderMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/auth",
		TokenEndpoint:          issuer + "/token",
		UserinfoEndpoint:       issuer + "/userinfo",
		JWKSURI:                issuer + "/.well-known/jwks.json",
		IntrospectionEndpoint:  issuer + "/introspect",
		RevocationEndpoint:     issuer + "/revoke",
		EndSessionEndpoint:     issuer + "/session/end",
		ScopesSupported:        p.config.SupportedScopes(),
		ResponseTypesSupported: []string{ResponseTypeCode},
		GrantTypesSupported: []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: algList,
		TokenEndpointAuthMethodsSupported: []string{
			AuthMethodBasic,
			AuthMethodPost,
			AuthMethodNone,
		},
		ClaimsSupported:               supportedClaimNames(p.config.ClaimMappings()),
		CodeChallengeMethodsSupported: []string{CodeChallengeS256},
		ACRValuesSupported:            p.config.ACRValues,
		ClaimsParameterSupported:      true,
	}
}
