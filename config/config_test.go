package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jiang-12196/op-rp-example/op/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const testYAML = `
issuer: https://op.example.com
listen: ":4000"
access_token_format: jwt
acr_values: ["urn:demo:bronze", "urn:demo:silver"]
claims:
  email: ["email", "email_verified"]
ttls:
  code: 90s
  access_token: 30m
clients:
  - id: demo-rp
    secret: fido-secret
    redirect_uris: ["https://rp.example.com/callback"]
    require_pkce: true
accounts:
  - id: acct-1
    login: alice
    password_hash: "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
    claims:
      email: alice@example.com
rp:
  client_id: demo-rp
  client_secret: fido-secret
  redirect_url: https://rp.example.com/callback
  scopes: ["email"]
`

func TestLoad(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	path := writeConfigFile(t, testYAML)

	c, err := Load(path)
	require.NoError(err)
	assert.Equal("https://op.example.com", c.Issuer)
	assert.Equal(":4000", c.Listen)
	assert.Equal("jwt", c.AccessTokenFormat)
	assert.Equal([]string{"urn:demo:bronze", "urn:demo:silver"}, c.ACRValues)
	assert.Equal([]string{"email", "email_verified"}, c.Claims["email"])
	require.Len(c.Clients, 1)
	assert.True(c.Clients[0].RequirePKCE)
	require.Len(c.Accounts, 1)
	assert.Equal("alice", c.Accounts[0].Login)
	assert.Equal(":8080", c.RP.Listen, "rp listen falls back to the default")
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", c.Issuer)
	assert.Equal(t, ":3000", c.Listen)
	assert.Equal(t, ":8080", c.RP.Listen)
	assert.Equal(t, "op", c.Redis.KeyPrefix)
}

func TestLoad_EnvOverrides(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	t.Setenv("OP_ISSUER", "https://env.example.com")
	t.Setenv("OP_REDIS_ADDR", "redis-env:6379")
	t.Setenv("RP_CLIENT_SECRET", "env-secret")

	path := writeConfigFile(t, testYAML)
	c, err := Load(path)
	require.NoError(err)
	assert.Equal("https://env.example.com", c.Issuer, "environment wins over the file")
	assert.Equal("redis-env:6379", c.Redis.Addr)
	assert.Equal("env-secret", c.RP.ClientSecret)
	assert.Equal(":4000", c.Listen, "unset env leaves the file value alone")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "issuer: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_ProviderConfig(t *testing.T) {
	t.Parallel()

	t.Run("ttls", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{
			Issuer: "https://op.example.com",
			TTLs: TTLs{
				Code:        "90s",
				AccessToken: "30m",
			},
		}
		pc, err := c.ProviderConfig()
		require.NoError(err)
		assert.Equal("https://op.example.com", pc.Issuer)
		assert.Equal(90*time.Second, pc.CodeTTL)
		assert.Equal(30*time.Minute, pc.AccessTokenTTL)
		assert.Zero(pc.RefreshTokenTTL, "unset ttls stay zero for the provider defaults")
	})

	t.Run("malformed-ttl", func(t *testing.T) {
		c := &Config{TTLs: TTLs{Code: "ninety seconds"}}
		_, err := c.ProviderConfig()
		require.Error(t, err)
	})
}

func TestConfig_OPClients(t *testing.T) {
	t.Parallel()

	t.Run("basic", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{Clients: []Client{{
			ID:           "demo-rp",
			Secret:       "fido-secret",
			RedirectURIs: []string{"https://rp.example.com/callback"},
			RequirePKCE:  true,
		}}}
		clients, err := c.OPClients()
		require.NoError(err)
		require.Len(clients, 1)
		assert.Equal("demo-rp", clients[0].ID)
		assert.True(clients[0].RequirePKCE)
	})

	t.Run("encryption-jwk", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{Clients: []Client{{
			ID:                          "enc-rp",
			Secret:                      "s",
			RedirectURIs:                []string{"https://rp.example.com/callback"},
			IDTokenEncryptedResponseAlg: "RSA-OAEP",
			IDTokenEncryptedResponseEnc: "A128CBC-HS256",
			IDTokenEncryptionJWK:        `{"kty":"RSA","use":"enc","kid":"enc-1","alg":"RSA-OAEP","n":"0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw","e":"AQAB"}`,
		}}}
		clients, err := c.OPClients()
		require.NoError(err)
		require.Len(clients, 1)
		require.NotNil(clients[0].IDTokenEncryptionKey)
		assert.Equal("enc-1", clients[0].IDTokenEncryptionKey.KeyID)
	})

	t.Run("malformed-jwk", func(t *testing.T) {
		c := &Config{Clients: []Client{{
			ID:                   "bad-rp",
			IDTokenEncryptionJWK: "{not json",
		}}}
		_, err := c.OPClients()
		require.Error(t, err)
	})
}

func TestConfig_Keys(t *testing.T) {
	t.Parallel()

	t.Run("ephemeral", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{}
		keys, err := c.Keys()
		require.NoError(err)
		require.Len(keys, 1)
		assert.Equal("sig", keys[0].Use)
		assert.Equal("RS256", keys[0].Algorithm)
		assert.False(keys[0].IsPublic(), "the provider needs the private key")
	})

	t.Run("missing-jwks-file", func(t *testing.T) {
		c := &Config{JWKSFile: filepath.Join(t.TempDir(), "nope.json")}
		_, err := c.Keys()
		require.Error(t, err)
	})
}

func TestConfig_Store(t *testing.T) {
	t.Parallel()

	t.Run("memory-when-no-redis-addr", func(t *testing.T) {
		c := &Config{}
		s, err := c.Store()
		require.NoError(t, err)
		_, ok := s.(*storage.Memory)
		require.True(t, ok)
	})
}

func TestConfig_Directory(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := writeConfigFile(t, testYAML)
	c, err := Load(path)
	require.NoError(err)
	d, err := c.Directory()
	require.NoError(err)
	require.NotNil(d)
}
