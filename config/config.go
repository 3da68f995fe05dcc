// Package config loads the demo's file based configuration for both the
// provider and the relying party, with environment variable overrides for
// the values that change between deployments.
package config

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jiang-12196/op-rp-example/account"
	"github.com/jiang-12196/op-rp-example/op"
	"github.com/jiang-12196/op-rp-example/op/storage"
	"github.com/redis/go-redis/v9"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/yaml.v3"
)

// Client is the yaml shape of a registered relying party.
type Client struct {
	ID                          string   `yaml:"id"`
	Secret                      string   `yaml:"secret"`
	TokenEndpointAuthMethod     string   `yaml:"token_endpoint_auth_method"`
	RedirectURIs                []string `yaml:"redirect_uris"`
	GrantTypes                  []string `yaml:"grant_types"`
	ResponseTypes               []string `yaml:"response_types"`
	Scopes                      []string `yaml:"scopes"`
	RequirePKCE                 bool     `yaml:"require_pkce"`
	IDTokenSignedResponseAlg    string   `yaml:"id_token_signed_response_alg"`
	IDTokenEncryptedResponseAlg string   `yaml:"id_token_encrypted_response_alg"`
	IDTokenEncryptedResponseEnc string   `yaml:"id_token_encrypted_response_enc"`
	IDTokenEncryptionJWK        string   `yaml:"id_token_encryption_jwk"`
}

// TTLs are the provider record lifetimes, as time.ParseDuration strings.
// Zero values fall back to the provider defaults.
type TTLs struct {
	Code              string `yaml:"code"`
	AccessToken       string `yaml:"access_token"`
	RefreshToken      string `yaml:"refresh_token"`
	IDToken           string `yaml:"id_token"`
	Interaction       string `yaml:"interaction"`
	Session           string `yaml:"session"`
	RememberedSession string `yaml:"remembered_session"`
	Grant             string `yaml:"grant"`
}

// Redis configures the optional shared record store.  An empty Addr keeps
// records in process memory.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RP is the relying party side of the demo.
type RP struct {
	Listen       string   `yaml:"listen"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// Config is the whole demo configuration.
type Config struct {
	Issuer            string              `yaml:"issuer"`
	Listen            string              `yaml:"listen"`
	AccessTokenFormat string              `yaml:"access_token_format"`
	JWKSFile          string              `yaml:"jwks_file"`
	ACRValues         []string            `yaml:"acr_values"`
	Claims            map[string][]string `yaml:"claims"`
	TTLs              TTLs                `yaml:"ttls"`
	Redis             Redis               `yaml:"redis"`
	Clients           []Client            `yaml:"clients"`
	Accounts          []account.Account   `yaml:"accounts"`
	RP                RP                  `yaml:"rp"`
}

// Load reads the yaml file at path (when path is non-empty), then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read %s: %w", op, path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("%s: unable to parse %s: %w", op, path, err)
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

// applyEnv overrides file values with environment variables, which win.
func (c *Config) applyEnv() {
	setIfEnv(&c.Issuer, "OP_ISSUER")
	setIfEnv(&c.Listen, "OP_LISTEN")
	setIfEnv(&c.AccessTokenFormat, "OP_ACCESS_TOKEN_FORMAT")
	setIfEnv(&c.JWKSFile, "OP_JWKS_FILE")
	setIfEnv(&c.Redis.Addr, "OP_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "OP_REDIS_PASSWORD")
	setIfEnv(&c.Redis.KeyPrefix, "OP_REDIS_KEY_PREFIX")
	setIfEnv(&c.RP.Listen, "RP_LISTEN")
	setIfEnv(&c.RP.ClientID, "RP_CLIENT_ID")
	setIfEnv(&c.RP.ClientSecret, "RP_CLIENT_SECRET")
	setIfEnv(&c.RP.RedirectURL, "RP_REDIRECT_URL")
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "http://localhost:3000"
	}
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.RP.Listen == "" {
		c.RP.Listen = ":8080"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "op"
	}
}

// ProviderConfig converts the file shape into the provider's Config.
func (c *Config) ProviderConfig() (*op.Config, error) {
	const opName = "config.(Config).ProviderConfig"
	pc := &op.Config{
		Issuer:            c.Issuer,
		Claims:            c.Claims,
		ACRValues:         c.ACRValues,
		AccessTokenFormat: c.AccessTokenFormat,
	}
	for _, d := range []struct {
		src string
		dst *time.Duration
	}{
		{c.TTLs.Code, &pc.CodeTTL},
		{c.TTLs.AccessToken, &pc.AccessTokenTTL},
		{c.TTLs.RefreshToken, &pc.RefreshTokenTTL},
		{c.TTLs.IDToken, &pc.IDTokenTTL},
		{c.TTLs.Interaction, &pc.InteractionTTL},
		{c.TTLs.Session, &pc.SessionTTL},
		{c.TTLs.RememberedSession, &pc.RememberedSessionTTL},
		{c.TTLs.Grant, &pc.GrantTTL},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid ttl %q: %w", opName, d.src, err)
		}
		*d.dst = parsed
	}
	return pc, nil
}

// OPClients converts the configured clients into registry entries.
func (c *Config) OPClients() ([]*op.Client, error) {
	const opName = "config.(Config).OPClients"
	clients := make([]*op.Client, 0, len(c.Clients))
	for _, cc := range c.Clients {
		client := &op.Client{
			ID:                          cc.ID,
			Secret:                      op.ClientSecret(cc.Secret),
			TokenEndpointAuthMethod:     cc.TokenEndpointAuthMethod,
			RedirectURIs:                cc.RedirectURIs,
			GrantTypes:                  cc.GrantTypes,
			ResponseTypes:               cc.ResponseTypes,
			Scopes:                      cc.Scopes,
			RequirePKCE:                 cc.RequirePKCE,
			IDTokenSignedResponseAlg:    cc.IDTokenSignedResponseAlg,
			IDTokenEncryptedResponseAlg: cc.IDTokenEncryptedResponseAlg,
			IDTokenEncryptedResponseEnc: cc.IDTokenEncryptedResponseEnc,
		}
		if cc.IDTokenEncryptionJWK != "" {
			var jwk jose.JSONWebKey
			if err := json.Unmarshal([]byte(cc.IDTokenEncryptionJWK), &jwk); err != nil {
				return nil, fmt.Errorf("%s: client %s encryption jwk: %w", opName, cc.ID, err)
			}
			client.IDTokenEncryptionKey = &jwk
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// Keys loads the provider's key set.  When no jwks file is configured a
// fresh ephemeral RSA signing key is generated, which is fine for a demo:
// issued tokens just stop verifying across restarts.
func (c *Config) Keys() ([]jose.JSONWebKey, error) {
	const opName = "config.(Config).Keys"
	if c.JWKSFile == "" {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to generate ephemeral key: %w", opName, err)
		}
		return []jose.JSONWebKey{{
			Key:       k,
			Use:       "sig",
			Algorithm: string(jose.RS256),
		}}, nil
	}
	data, err := os.ReadFile(c.JWKSFile)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read %s: %w", opName, c.JWKSFile, err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%s: unable to parse %s: %w", opName, c.JWKSFile, err)
	}
	return set.Keys, nil
}

// Directory builds the account directory from the configured accounts.
func (c *Config) Directory() (*account.Directory, error) {
	return account.NewDirectory(c.Accounts)
}

// Store builds the record store: redis when an address is configured,
// otherwise in-process memory.
func (c *Config) Store() (storage.Store, error) {
	if c.Redis.Addr == "" {
		return storage.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	return storage.NewRedis(client, c.Redis.KeyPrefix)
}
