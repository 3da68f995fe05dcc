package rp

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSecret_Redaction(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	secret := ClientSecret("super-secret")

	assert.Equal(RedactedClientSecret, secret.String())
	assert.Equal(RedactedClientSecret, fmt.Sprintf("%s", secret))
	assert.Equal(RedactedClientSecret, fmt.Sprintf("%v", secret))

	raw, err := json.Marshal(secret)
	require.NoError(err)
	assert.Equal(`"`+RedactedClientSecret+`"`, string(raw))
	assert.NotContains(string(raw), "super-secret")
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewConfig("https://op.example.com", "demo-rp", "sekret", "https://rp.example.com/callback",
			WithRPScopes("email", "profile"),
			WithRPAudiences("demo-rp", "api"))
		require.NoError(err)
		assert.Equal([]string{"email", "profile"}, c.Scopes)
		assert.Equal([]string{"demo-rp", "api"}, c.Audiences)
		assert.Equal([]string{"RS256"}, c.SupportedSigningAlgs)
	})

	t.Run("public-client-needs-no-secret", func(t *testing.T) {
		_, err := NewConfig("https://op.example.com", "demo-rp", "", "https://rp.example.com/callback")
		require.NoError(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Issuer:      "https://op.example.com",
			ClientID:    "demo-rp",
			RedirectURL: "https://rp.example.com/callback",
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErrIs error
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "missing-client-id",
			mutate:    func(c *Config) { c.ClientID = "" },
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:      "missing-issuer",
			mutate:    func(c *Config) { c.Issuer = "" },
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:      "missing-redirect-url",
			mutate:    func(c *Config) { c.RedirectURL = "" },
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:      "issuer-bad-scheme",
			mutate:    func(c *Config) { c.Issuer = "ldap://op.example.com" },
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:      "unsupported-alg",
			mutate:    func(c *Config) { c.SupportedSigningAlgs = []string{"none"} },
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:   "http-issuer-allowed",
			mutate: func(c *Config) { c.Issuer = "http://localhost:3000" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErrIs != nil {
				require.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
		})
	}

	t.Run("nil-config", func(t *testing.T) {
		var c *Config
		require.ErrorIs(t, c.Validate(), ErrNilParameter)
	})
}

func TestConfig_HTTPClient(t *testing.T) {
	t.Parallel()

	t.Run("default", func(t *testing.T) {
		c := &Config{}
		client, err := c.HTTPClient()
		require.NoError(t, err)
		require.NotNil(t, client)
	})

	t.Run("bad-ca-pem", func(t *testing.T) {
		c := &Config{ProviderCA: "not a pem"}
		_, err := c.HTTPClient()
		require.ErrorIs(t, err, ErrInvalidParameter)
	})
}
