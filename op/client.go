package op

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jiang-12196/op-rp-example/internal/strutils"
	jose "gopkg.in/square/go-jose.v2"
)

// ClientSecret is a client's confidential secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for a client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (s ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Token endpoint authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Client is the registered metadata for a relying party.  A Client is
// immutable once loaded for a process lifetime; it is owned by the Registry.
type Client struct {
	// ID is the unique client_id.
	ID string

	// Secret is required for confidential clients.
	Secret ClientSecret

	// TokenEndpointAuthMethod is one of client_secret_basic,
	// client_secret_post or none.  Defaults to client_secret_basic.
	TokenEndpointAuthMethod string

	// RedirectURIs is the set of exact-match redirect uris.
	RedirectURIs []string

	// GrantTypes lists the allowed grant types.  Defaults to
	// authorization_code + refresh_token.
	GrantTypes []string

	// ResponseTypes lists the allowed response types.  Defaults to "code".
	ResponseTypes []string

	// Scopes is the allowlist of scopes the client may request.  Empty
	// means the provider's full supported set.
	Scopes []string

	// RequirePKCE forces a code_challenge on every authorization request.
	// Public clients (auth method "none") always require PKCE.
	RequirePKCE bool

	// IDTokenSignedResponseAlg is the JWS algorithm for id_tokens issued to
	// this client.  Defaults to RS256.
	IDTokenSignedResponseAlg string

	// IDTokenEncryptedResponseAlg enables JWE-wrapping of issued id_tokens
	// when set (e.g. RSA-OAEP).  Requires IDTokenEncryptionKey.
	IDTokenEncryptedResponseAlg string

	// IDTokenEncryptedResponseEnc is the JWE content encryption, defaults
	// to A128CBC-HS256 when encryption is enabled.
	IDTokenEncryptedResponseEnc string

	// IDTokenEncryptionKey is the client's public key used to encrypt
	// id_tokens to it.
	IDTokenEncryptionKey *jose.JSONWebKey
}

// Default client metadata values.
const (
	DefaultIDTokenAlg = "RS256"
	DefaultIDTokenEnc = "A128CBC-HS256"
)

// SigningAlg returns the negotiated id_token signing algorithm for the
// client.
func (c *Client) SigningAlg() jose.SignatureAlgorithm {
	if c.IDTokenSignedResponseAlg == "" {
		return jose.SignatureAlgorithm(DefaultIDTokenAlg)
	}
	return jose.SignatureAlgorithm(c.IDTokenSignedResponseAlg)
}

// AuthMethod returns the client's token endpoint auth method, defaulted.
func (c *Client) AuthMethod() string {
	if c.TokenEndpointAuthMethod == "" {
		return AuthMethodBasic
	}
	return c.TokenEndpointAuthMethod
}

// Public reports whether the client is a public (secret-less) client.
func (c *Client) Public() bool {
	return c.AuthMethod() == AuthMethodNone
}

// AllowsGrantType reports whether the client may use the grant type.
func (c *Client) AllowsGrantType(gt string) bool {
	if len(c.GrantTypes) == 0 {
		return gt == GrantTypeAuthorizationCode || gt == GrantTypeRefreshToken
	}
	return strutils.StrListContains(c.GrantTypes, gt)
}

// AllowsResponseType reports whether the client may use the response type.
func (c *Client) AllowsResponseType(rt string) bool {
	if len(c.ResponseTypes) == 0 {
		return rt == ResponseTypeCode
	}
	return strutils.StrListContains(c.ResponseTypes, rt)
}

func (c *Client) validate() error {
	const op = "Client.validate"
	if c.ID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if len(c.RedirectURIs) == 0 && c.AllowsGrantType(GrantTypeAuthorizationCode) {
		return fmt.Errorf("%s: client %s has no redirect uris: %w", op, c.ID, ErrInvalidParameter)
	}
	switch c.AuthMethod() {
	case AuthMethodBasic, AuthMethodPost:
		if c.Secret == "" {
			return fmt.Errorf("%s: client %s requires a secret for %s: %w", op, c.ID, c.AuthMethod(), ErrInvalidParameter)
		}
	case AuthMethodNone:
	default:
		return fmt.Errorf("%s: client %s has unsupported auth method %q: %w", op, c.ID, c.AuthMethod(), ErrInvalidParameter)
	}
	if c.IDTokenEncryptedResponseAlg != "" && c.IDTokenEncryptionKey == nil {
		return fmt.Errorf("%s: client %s enables id_token encryption without a key: %w", op, c.ID, ErrInvalidParameter)
	}
	return nil
}

// Registry maps client_id to registered client metadata and validates
// inbound requests against it.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry creates a Registry from the statically registered clients.
func NewRegistry(clients []*Client) (*Registry, error) {
	const op = "op.NewRegistry"
	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		if c == nil {
			return nil, fmt.Errorf("%s: nil client: %w", op, ErrNilParameter)
		}
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, ok := r.clients[c.ID]; ok {
			return nil, fmt.Errorf("%s: duplicate client id %s: %w", op, c.ID, ErrInvalidParameter)
		}
		r.clients[c.ID] = c
	}
	return r, nil
}

// Find returns the client registered under id.
func (r *Registry) Find(id string) (*Client, error) {
	const op = "Registry.Find"
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%s: client %q: %w", op, id, ErrNotFound)
	}
	return c, nil
}

// ValidateRedirectURI checks the uri against the client's registered
// redirect uris.  Matching is exact string comparison; no prefix or partial
// matching is ever performed.
func (r *Registry) ValidateRedirectURI(c *Client, uri string) error {
	const op = "Registry.ValidateRedirectURI"
	if uri == "" {
		return fmt.Errorf("%s: redirect uri is empty: %w", op, ErrInvalidRedirectURI)
	}
	if !strutils.StrListContains(c.RedirectURIs, uri) {
		return fmt.Errorf("%s: %q is not registered for client %s: %w", op, uri, c.ID, ErrInvalidRedirectURI)
	}
	return nil
}

// Authenticate resolves and authenticates the client presented on a token,
// introspection or revocation request, implementing client_secret_basic,
// client_secret_post and none per the client's configured method.  Secret
// comparison is constant-time.
func (r *Registry) Authenticate(req *http.Request) (*Client, error) {
	const op = "Registry.Authenticate"

	var id string
	var secret ClientSecret
	var viaBasic bool
	if basicID, basicSecret, ok := req.BasicAuth(); ok {
		id, secret, viaBasic = basicID, ClientSecret(basicSecret), true
	} else {
		id, secret = req.PostFormValue("client_id"), ClientSecret(req.PostFormValue("client_secret"))
	}
	if id == "" {
		return nil, fmt.Errorf("%s: no client credentials presented: %w", op, ErrInvalidClient)
	}

	c, err := r.Find(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidClient)
	}

	switch c.AuthMethod() {
	case AuthMethodBasic:
		if !viaBasic {
			return nil, fmt.Errorf("%s: client %s must use http basic authentication: %w", op, c.ID, ErrInvalidClient)
		}
	case AuthMethodPost:
		if viaBasic {
			return nil, fmt.Errorf("%s: client %s must use form post authentication: %w", op, c.ID, ErrInvalidClient)
		}
	case AuthMethodNone:
		if secret != "" {
			return nil, fmt.Errorf("%s: public client %s must not present a secret: %w", op, c.ID, ErrInvalidClient)
		}
		return c, nil
	}

	if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return nil, fmt.Errorf("%s: client %s secret mismatch: %w", op, c.ID, ErrInvalidClient)
	}
	return c, nil
}
