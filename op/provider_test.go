package op

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// testChallenge derives the S256 challenge for a verifier.
func testChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// testAuthReq builds a valid code+PKCE request for the client.
func testAuthReq(t *testing.T, client *Client, verifier string) *AuthRequest {
	t.Helper()
	return &AuthRequest{
		ClientID:            client.ID,
		ResponseType:        ResponseTypeCode,
		RedirectURI:         client.RedirectURIs[0],
		Scopes:              []string{"openid", "email", "profile"},
		State:               "st-123",
		Nonce:               "n-456",
		CodeChallenge:       testChallenge(verifier),
		CodeChallengeMethod: CodeChallengeS256,
	}
}

// parseRedirect splits a redirect uri into its base and query values.
func parseRedirect(t *testing.T, uri string) (*url.URL, url.Values) {
	t.Helper()
	u, err := url.Parse(uri)
	require.NoError(t, err)
	return u, u.Query()
}

// runCodeFlow drives an authorization request through login and consent to
// an issued code, returning the code and the session that carried it.
func runCodeFlow(t *testing.T, p *Provider, r *AuthRequest) (string, *Session) {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	res, err := p.Authorize(ctx, r, nil)
	require.NoError(err)
	require.NotNil(res.Interaction, "expected the flow to suspend for interaction")
	require.Equal(InteractionLoginRequired, res.Interaction.Reason)

	finished, err := p.FinishInteraction(ctx, res.Interaction.ID, &InteractionResult{
		Login:   &LoginResult{AccountID: "acct-alice", AMR: []string{"pwd"}},
		Consent: &ConsentResult{Granted: true},
	})
	require.NoError(err)

	issued, sess, err := p.ResumeInteraction(ctx, finished.ID, nil)
	require.NoError(err)
	require.NotNil(sess)
	require.NotEmpty(issued.RedirectURI)

	_, q := parseRedirect(t, issued.RedirectURI)
	require.Empty(q.Get("error"), "flow ended with error %q: %s", q.Get("error"), q.Get("error_description"))
	require.NotEmpty(q.Get("code"))
	require.Equal(r.State, q.Get("state"))
	return q.Get("code"), sess
}

func TestProvider_Authorize_RenderErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := TestProvider(t, nil)
	client, err := p.Registry().Find("test-rp")
	require.NoError(t, err)

	verifier := oauth2.GenerateVerifier()
	tests := []struct {
		name    string
		mod     func(r *AuthRequest)
		wantErr error
	}{
		{
			name:    "missing-client-id",
			mod:     func(r *AuthRequest) { r.ClientID = "" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown-client",
			mod:     func(r *AuthRequest) { r.ClientID = "nope" },
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing-redirect-uri",
			mod:     func(r *AuthRequest) { r.RedirectURI = "" },
			wantErr: ErrInvalidRedirectURI,
		},
		{
			name:    "unregistered-redirect-uri",
			mod:     func(r *AuthRequest) { r.RedirectURI = "http://evil.example.com/cb" },
			wantErr: ErrInvalidRedirectURI,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			r := testAuthReq(t, client, verifier)
			tt.mod(r)
			res, err := p.Authorize(ctx, r, nil)
			require.Nil(res, "untrusted redirect_uri must never produce a redirect")
			require.ErrorIs(err, tt.wantErr)
		})
	}
}

func TestProvider_Authorize_RedirectErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := TestProvider(t, nil)
	client, err := p.Registry().Find("test-rp")
	require.NoError(t, err)

	verifier := oauth2.GenerateVerifier()
	tests := []struct {
		name     string
		mod      func(r *AuthRequest)
		wantCode string
	}{
		{
			name:     "unsupported-response-type",
			mod:      func(r *AuthRequest) { r.ResponseType = "token" },
			wantCode: "unsupported_response_type",
		},
		{
			name:     "missing-openid-scope",
			mod:      func(r *AuthRequest) { r.Scopes = []string{"email"} },
			wantCode: "invalid_scope",
		},
		{
			name:     "unknown-scope",
			mod:      func(r *AuthRequest) { r.Scopes = []string{"openid", "launch-missiles"} },
			wantCode: "invalid_scope",
		},
		{
			name: "missing-pkce",
			mod: func(r *AuthRequest) {
				r.CodeChallenge = ""
				r.CodeChallengeMethod = ""
			},
			wantCode: "invalid_request",
		},
		{
			name:     "plain-challenge-method",
			mod:      func(r *AuthRequest) { r.CodeChallengeMethod = CodeChallengePlain },
			wantCode: "invalid_request",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			r := testAuthReq(t, client, verifier)
			tt.mod(r)
			res, err := p.Authorize(ctx, r, nil)
			require.NoError(err)
			require.NotEmpty(res.RedirectURI)
			u, q := parseRedirect(t, res.RedirectURI)
			assert.Equal("localhost:8080", u.Host)
			assert.Equal(tt.wantCode, q.Get("error"))
			assert.Equal(r.State, q.Get("state"))
			assert.Nil(res.Interaction)
		})
	}
}

func TestProvider_Authorize_PromptNone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := TestProvider(t, nil)
	client, err := p.Registry().Find("test-rp")
	require.NoError(t, err)

	t.Run("no-session-is-login-required", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := testAuthReq(t, client, oauth2.GenerateVerifier())
		r.Prompts = []string{PromptNone}
		res, err := p.Authorize(ctx, r, nil)
		require.NoError(err)
		require.Nil(res.Interaction, "prompt=none must never create an interaction")
		_, q := parseRedirect(t, res.RedirectURI)
		assert.Equal("login_required", q.Get("error"))
	})

	t.Run("session-without-consent-is-consent-required", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		sess, err := p.CreateSession(ctx)
		require.NoError(err)
		require.NoError(p.AuthenticateSession(ctx, sess, &LoginResult{
			AccountID: "acct-alice", AuthTime: p.now().Unix(),
		}))
		r := testAuthReq(t, client, oauth2.GenerateVerifier())
		r.Prompts = []string{PromptNone}
		res, err := p.Authorize(ctx, r, sess)
		require.NoError(err)
		require.Nil(res.Interaction)
		_, q := parseRedirect(t, res.RedirectURI)
		assert.Equal("consent_required", q.Get("error"))
	})

	t.Run("satisfied-session-issues-silently", func(t *testing.T) {
		require := require.New(t)
		verifier := oauth2.GenerateVerifier()
		_, sess := runCodeFlow(t, p, testAuthReq(t, client, verifier))

		r := testAuthReq(t, client, oauth2.GenerateVerifier())
		r.Prompts = []string{PromptNone}
		res, err := p.Authorize(ctx, r, sess)
		require.NoError(err)
		require.Nil(res.Interaction)
		_, q := parseRedirect(t, res.RedirectURI)
		require.Empty(q.Get("error"))
		require.NotEmpty(q.Get("code"))
	})
}

func TestProvider_Authorize_ExistingGrantSkipsInteraction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := TestProvider(t, nil)
	client, err := p.Registry().Find("test-rp")
	require.NoError(t, err)

	_, sess := runCodeFlow(t, p, testAuthReq(t, client, oauth2.GenerateVerifier()))

	t.Run("covered-scopes-are-ready", func(t *testing.T) {
		require := require.New(t)
		r := testAuthReq(t, client, oauth2.GenerateVerifier())
		res, err := p.Authorize(ctx, r, sess)
		require.NoError(err)
		require.Nil(res.Interaction)
		_, q := parseRedirect(t, res.RedirectURI)
		require.NotEmpty(q.Get("code"))
	})

	t.Run("wider-scopes-need-consent", func(t *testing.T) {
		require := require.New(t)
		r := testAuthReq(t, client, oauth2.GenerateVerifier())
		r.Scopes = []string{"openid", "email", "profile", "phone"}
		res, err := p.Authorize(ctx, r, sess)
		require.NoError(err)
		require.NotNil(res.Interaction)
		require.Equal(InteractionConsentRequired, res.Interaction.Reason)
	})

	t.Run("prompt-login-forces-interaction", func(t *testing.T) {
		require := require.New(t)
		r := testAuthReq(t, client, oauth2.GenerateVerifier())
		r.Prompts = []string{PromptLogin}
		res, err := p.Authorize(ctx, r, sess)
		require.NoError(err)
		require.NotNil(res.Interaction)
		require.Equal(InteractionLoginRequired, res.Interaction.Reason)
	})
}

func TestProvider_ResumeInteraction_AbortedFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	p := TestProvider(t, nil)
	client, err := p.Registry().Find("test-rp")
	require.NoError(err)

	r := testAuthReq(t, client, oauth2.GenerateVerifier())
	res, err := p.Authorize(ctx, r, nil)
	require.NoError(err)
	require.NotNil(res.Interaction)

	finished, err := p.FinishInteraction(ctx, res.Interaction.ID, &InteractionResult{
		Error: "access_denied",
	})
	require.NoError(err)

	issued, _, err := p.ResumeInteraction(ctx, finished.ID, nil)
	require.NoError(err)
	_, q := parseRedirect(t, issued.RedirectURI)
	assert.Equal("access_denied", q.Get("error"))
	assert.Equal(r.State, q.Get("state"))
	assert.Empty(q.Get("code"))
}

func TestProvider_UserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := TestProvider(t, nil)
	client, err := p.Registry().Find("test-rp")
	require.NoError(t, err)

	verifier := oauth2.GenerateVerifier()
	r := testAuthReq(t, client, verifier)
	code, _ := runCodeFlow(t, p, r)
	resp, err := p.RedeemCode(ctx, client, code, r.RedirectURI, verifier)
	require.NoError(t, err)

	t.Run("claims-follow-granted-scopes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		claims, err := p.UserInfo(ctx, resp.AccessToken)
		require.NoError(err)
		assert.Equal("acct-alice", claims["sub"])
		assert.Equal("alice@example.com", claims["email"])
		assert.Equal("Alice Doe", claims["name"])
		assert.NotContains(claims, "phone_number")
	})

	t.Run("unknown-token", func(t *testing.T) {
		_, err := p.UserInfo(ctx, "at_bogus")
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("revoked-grant-kills-the-token", func(t *testing.T) {
		require := require.New(t)
		require.NoError(p.Revoke(ctx, client, resp.RefreshToken))
		_, err := p.UserInfo(ctx, resp.AccessToken)
		require.ErrorIs(err, ErrInvalidGrant)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "valid",
			config: &Config{Issuer: "https://op.example.com"},
		},
		{
			name:    "empty-issuer",
			config:  &Config{},
			wantErr: true,
		},
		{
			name:    "non-http-issuer",
			config:  &Config{Issuer: "ftp://op.example.com"},
			wantErr: true,
		},
		{
			name:    "bad-access-token-format",
			config:  &Config{Issuer: "https://op.example.com", AccessTokenFormat: "saml"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestProvider_Metadata(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	p := TestProvider(t, nil)
	md := p.Metadata()

	assert.Equal("http://localhost:9999", md.Issuer)
	assert.Equal("http://localhost:9999/auth", md.AuthorizationEndpoint)
	assert.Equal("http://localhost:9999/token", md.TokenEndpoint)
	assert.Equal("http://localhost:9999/.well-known/jwks.json", md.JWKSURI)
	assert.Equal([]string{ResponseTypeCode}, md.ResponseTypesSupported)
	assert.Equal([]string{CodeChallengeS256}, md.CodeChallengeMethodsSupported)
	assert.Contains(md.ScopesSupported, "openid")
	assert.Contains(md.ClaimsSupported, "sub")
	assert.Contains(md.IDTokenSigningAlgValuesSupported, "RS256")
	assert.True(md.ClaimsParameterSupported)
}
