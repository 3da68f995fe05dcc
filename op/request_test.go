package op

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query url.Values
		want  *AuthRequest
	}{
		{
			name: "full-request",
			query: url.Values{
				"client_id":             {"rp1"},
				"response_type":         {"code"},
				"redirect_uri":          {"http://localhost:8080/cb"},
				"scope":                 {"openid email profile"},
				"state":                 {"st"},
				"nonce":                 {"n"},
				"code_challenge":        {"abc"},
				"code_challenge_method": {"S256"},
				"prompt":                {"login consent"},
				"acr_values":            {"urn:mace:incommon:iap:bronze"},
				"claims":                {`{"id_token":{"email":null},"userinfo":{"name":{"essential":true}}}`},
			},
			want: &AuthRequest{
				ClientID:            "rp1",
				ResponseType:        "code",
				RedirectURI:         "http://localhost:8080/cb",
				Scopes:              []string{"openid", "email", "profile"},
				State:               "st",
				Nonce:               "n",
				CodeChallenge:       "abc",
				CodeChallengeMethod: "S256",
				Prompts:             []string{"login", "consent"},
				ACRValues:           []string{"urn:mace:incommon:iap:bronze"},
				Claims:              []string{"email", "name"},
			},
		},
		{
			name: "duplicate-scopes-deduped",
			query: url.Values{
				"client_id": {"rp1"},
				"scope":     {"openid email openid"},
			},
			want: &AuthRequest{
				ClientID: "rp1",
				Scopes:   []string{"openid", "email"},
			},
		},
		{
			name: "challenge-without-method-defaults-to-plain",
			query: url.Values{
				"code_challenge": {"abc"},
			},
			want: &AuthRequest{
				CodeChallenge:       "abc",
				CodeChallengeMethod: CodeChallengePlain,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAuthRequest(tt.query)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_parseUILocales(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "ordered-preferences",
			raw:  "fr-CA fr en",
			want: []string{"fr-CA", "fr", "en"},
		},
		{
			name: "malformed-tags-dropped",
			raw:  "en !!bogus!! de",
			want: []string{"en", "de"},
		},
		{
			name: "empty",
			raw:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseUILocales(tt.raw))
		})
	}
}

func Test_parseClaimsParameter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "id-token-and-userinfo-combined",
			raw:  `{"id_token":{"email":null,"email_verified":{"essential":true}},"userinfo":{"name":null,"email":null}}`,
			want: []string{"email", "email_verified", "name"},
		},
		{
			name: "userinfo-only",
			raw:  `{"userinfo":{"picture":null}}`,
			want: []string{"picture"},
		},
		{
			name: "unknown-members-ignored",
			raw:  `{"access_token":{"email":null}}`,
		},
		{
			name: "malformed-json-dropped",
			raw:  `{"id_token":`,
		},
		{
			name: "empty",
			raw:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseClaimsParameter(tt.raw))
		})
	}
}

// The discovery document advertises claims_parameter_supported, so a claims
// parameter on the wire must actually reach the grant's claim set.
func TestProvider_ClaimsParameter(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	p := TestProvider(t, nil)
	require.True(p.Metadata().ClaimsParameterSupported)

	r := ParseAuthRequest(url.Values{
		"client_id":     {"test-rp"},
		"response_type": {"code"},
		"redirect_uri":  {"http://localhost:8080/cb"},
		"scope":         {"openid"},
		"claims":        {`{"userinfo":{"email":null}}`},
	})
	require.Equal([]string{"email"}, r.Claims)

	// Email is released through the claims parameter alone, without the
	// email scope.
	full := Claims{"sub": "acct-1", "email": "a@example.com", "name": "A"}
	got := projectClaims(full, r.Scopes, r.Claims, DefaultClaimMappings())
	assert.Equal("a@example.com", got["email"])
	assert.NotContains(got, "name")
}

func TestAuthRequest_HasPrompt(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	r := &AuthRequest{Prompts: []string{"login", "consent"}}
	assert.True(r.HasPrompt(PromptLogin))
	assert.True(r.HasPrompt(PromptConsent))
	assert.False(r.HasPrompt(PromptNone))
	assert.False((&AuthRequest{}).HasPrompt(PromptLogin))
}

func TestProvider_validateAuthRequest_PKCE(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	optional := TestClient(t, "optional-pkce")
	optional.RequirePKCE = false
	public := &Client{
		ID:                      "spa",
		TokenEndpointAuthMethod: AuthMethodNone,
		RedirectURIs:            []string{"http://localhost:8081/cb"},
	}
	p := TestProvider(t, []*Client{optional, public})

	t.Run("confidential-client-may-skip-pkce", func(t *testing.T) {
		r := &AuthRequest{
			ClientID:     "optional-pkce",
			ResponseType: ResponseTypeCode,
			RedirectURI:  optional.RedirectURIs[0],
			Scopes:       []string{"openid"},
		}
		_, renderErr, redirectErr := p.validateAuthRequest(r)
		require.NoError(renderErr)
		require.NoError(redirectErr)
	})

	t.Run("public-client-always-requires-pkce", func(t *testing.T) {
		r := &AuthRequest{
			ClientID:     "spa",
			ResponseType: ResponseTypeCode,
			RedirectURI:  public.RedirectURIs[0],
			Scopes:       []string{"openid"},
		}
		_, renderErr, redirectErr := p.validateAuthRequest(r)
		require.NoError(renderErr)
		require.ErrorIs(redirectErr, ErrInvalidRequest)
	})
}
