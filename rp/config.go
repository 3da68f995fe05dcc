// Package rp implements the relying party half of the demo: a typical
// 3-legged oidc authorization code flow client with PKCE, discovery based
// configuration, id_token verification and a small demo http surface.
package rp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/jiang-12196/op-rp-example/internal/strutils"
)

// ClientSecret is the relying party's oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client
// secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// supportedAlgorithms is the allowlist for config validation.
var supportedAlgorithms = map[string]bool{
	oidc.RS256: true, oidc.RS384: true, oidc.RS512: true,
	oidc.ES256: true, oidc.ES384: true, oidc.ES512: true,
	oidc.PS256: true, oidc.PS384: true, oidc.PS512: true,
}

// Config represents the configuration for the relying party's
// authorization code flow.
type Config struct {
	// Issuer is the provider's issuer url.  Discovery requests go to
	// Issuer + "/.well-known/openid-configuration".
	Issuer string

	// ClientID is the relying party id registered with the provider.
	ClientID string

	// ClientSecret is the relying party secret.  Empty means a public
	// client, which relies on PKCE alone.
	ClientSecret ClientSecret

	// RedirectURL is where the provider sends the authorization response.
	RedirectURL string

	// Scopes are requested in addition to the required "openid" scope.
	Scopes []string

	// Audiences optionally restricts the audiences accepted in id_tokens
	// beyond the client id.
	Audiences []string

	// SupportedSigningAlgs restricts the id_token signing algorithms the
	// client will accept.  Defaults to RS256.
	SupportedSigningAlgs []string

	// ProviderCA is an optional PEM encoded CA cert used when talking to
	// the provider.
	ProviderCA string
}

// NewConfig composes a new relying party config.  Supported options:
// WithRPScopes, WithRPAudiences, WithProviderCA.
func NewConfig(issuer, clientID string, clientSecret ClientSecret, redirectURL string, opt ...Option) (*Config, error) {
	const op = "rp.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Issuer:               issuer,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		RedirectURL:          redirectURL,
		Scopes:               opts.withScopes,
		Audiences:            opts.withAudiences,
		ProviderCA:           opts.withProviderCA,
		SupportedSigningAlgs: []string{oidc.RS256},
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid relying party config: %w", op, err)
	}
	return c, nil
}

// Validate the relying party configuration.  It does not verify the issuer
// is actually discoverable; that happens when a Provider is created.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if c.Issuer == "" {
		return fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("%s: redirect url is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("%s: issuer %s is invalid: %w", op, c.Issuer, err)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("%s: issuer %s scheme is not http or https: %w", op, c.Issuer, ErrInvalidParameter)
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			return fmt.Errorf("%s: unsupported algorithm %s: %w", op, a, ErrInvalidParameter)
		}
	}
	return nil
}

// HTTPClient creates the http client used for provider requests, with the
// configured CA when one is set.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	client := cleanhttp.DefaultPooledClient()
	if c.ProviderCA != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.ProviderCA)) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidParameter)
		}
		tr := cleanhttp.DefaultPooledTransport()
		tr.TLSClientConfig = &tls.Config{RootCAs: pool}
		client.Transport = tr
	}
	return client, nil
}

// HTTPClientContext returns a new context carrying the provided http
// client.  It sets the context key shared by the coreos/go-oidc and
// golang.org/x/oauth2 packages, so the returned context works for both.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	return oidc.ClientContext(ctx, client)
}

// configOptions is the set of available config options.
type configOptions struct {
	withScopes     []string
	withAudiences  []string
	withProviderCA string
}

func configDefaults() configOptions {
	return configOptions{}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithRPScopes provides optional scopes to request beyond openid.
func WithRPScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithRPAudiences provides optional audiences for id_token verification.
func WithRPAudiences(auds ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAudiences = auds
		}
	}
}

// WithProviderCA provides an optional CA cert for provider requests.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}
