package rp

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jiang-12196/op-rp-example/internal/strutils"
	"golang.org/x/oauth2"
)

// Provider is the relying party's view of one OpenID provider.  It owns
// the discovered endpoints, the pending flow requests and the id_token
// verifier.
type Provider struct {
	config   *Config
	provider *oidc.Provider
	requests *requestCache

	mu sync.Mutex

	// backgroundCtx is the context used for background activities like
	// refreshing the provider's JWKS.
	backgroundCtx       context.Context
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates and initializes a Provider for the authorization
// code flow.  Initializing the provider includes an http request to the
// issuer's discovery document.
//
// See Provider.Done() which must be called to release provider resources.
func NewProvider(c *Config) (*Provider, error) {
	const op = "rp.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		config:              c,
		requests:            newRequestCache(),
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}

	client, err := c.HTTPClient()
	if err != nil {
		p.Done()
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	provider, err := oidc.NewProvider(HTTPClientContext(p.backgroundCtx, client), c.Issuer)
	if err != nil {
		p.Done()
		return nil, fmt.Errorf("%s: unable to create provider: %w", op, err)
	}
	p.provider = provider
	return p, nil
}

// Done with the provider's background resources; must be called for every
// Provider created.
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

func (p *Provider) oauth2Config() oauth2.Config {
	scopes := append([]string{oidc.ScopeOpenID}, p.config.Scopes...)
	return oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  p.config.RedirectURL,
		Endpoint:     p.provider.Endpoint(),
		Scopes:       strutils.RemoveDuplicatesStable(scopes, false),
	}
}

// AuthURL begins a flow: it registers the request as pending and returns
// the provider url to redirect the user to.  The request's PKCE challenge
// and nonce ride along with the redirect.
func (p *Provider) AuthURL(ctx context.Context, r *Request) (string, error) {
	const op = "Provider.AuthURL"
	if r == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.State == r.Nonce {
		return "", fmt.Errorf("%s: request state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	p.requests.sweep()
	p.requests.Add(r)

	cfg := p.oauth2Config()
	return cfg.AuthCodeURL(r.State,
		oidc.Nonce(r.Nonce),
		oauth2.S256ChallengeOption(r.Verifier),
	), nil
}

// Token is the outcome of a completed flow.
type Token struct {
	// RawIDToken is the compact serialized id_token from the exchange.
	RawIDToken string

	// IDClaims is the verified claim set of the id_token.
	IDClaims map[string]interface{}

	// Oauth2 carries access_token, refresh_token and expiry.
	Oauth2 *oauth2.Token
}

// Exchange completes a flow: it consumes the pending request matching
// state, redeems the authorization code with the PKCE verifier and
// verifies the returned id_token, including its nonce binding.
func (p *Provider) Exchange(ctx context.Context, state, code string) (*Token, error) {
	const op = "Provider.Exchange"
	r, err := p.requests.Take(state)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := p.config.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	oidcCtx := HTTPClientContext(ctx, client)

	cfg := p.oauth2Config()
	oauth2Token, err := cfg.Exchange(oidcCtx, code, oauth2.VerifierOption(r.Verifier))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w", op, err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	claims, err := p.VerifyIDToken(ctx, rawIDToken, r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	return &Token{
		RawIDToken: rawIDToken,
		IDClaims:   claims,
		Oauth2:     oauth2Token,
	}, nil
}

// VerifyIDToken verifies an id_token was signed by the provider for this
// client, checks the nonce binding, and applies any configured audience
// restriction.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (map[string]interface{}, error) {
	const op = "Provider.VerifyIDToken"
	if rawIDToken == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if nonce == "" {
		return nil, fmt.Errorf("%s: nonce is empty: %w", op, ErrInvalidParameter)
	}
	verifier := p.provider.Verifier(&oidc.Config{
		ClientID:             p.config.ClientID,
		SupportedSigningAlgs: p.config.SupportedSigningAlgs,
	})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid id_token signature: %w", op, err)
	}
	if idToken.Nonce != nonce {
		return nil, fmt.Errorf("%s: invalid id_token nonce: %w", op, ErrInvalidNonce)
	}
	if len(p.config.Audiences) > 0 {
		found := false
		for _, aud := range p.config.Audiences {
			if strutils.StrListContains(idToken.Audience, aud) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: invalid id_token audiences: %w", op, ErrInvalidAudience)
		}
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: unable to read id_token claims: %w", op, err)
	}
	return claims, nil
}

// UserInfo gets the userinfo claims from the provider using the token
// produced by the tokenSource.
func (p *Provider) UserInfo(ctx context.Context, tokenSource oauth2.TokenSource, claims interface{}) error {
	const op = "Provider.UserInfo"
	if tokenSource == nil {
		return fmt.Errorf("%s: token source is nil: %w", op, ErrNilParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	client, err := p.config.HTTPClient()
	if err != nil {
		return fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	oidcCtx := HTTPClientContext(ctx, client)
	userinfo, err := p.provider.UserInfo(oidcCtx, tokenSource)
	if err != nil {
		return fmt.Errorf("%s: provider userinfo request failed: %w", op, err)
	}
	if err := userinfo.Claims(claims); err != nil {
		return fmt.Errorf("%s: failed to read userinfo claims: %w", op, err)
	}
	return nil
}

// Refresh redeems a refresh token for a fresh token set.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	const op = "Provider.Refresh"
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}
	client, err := p.config.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	oidcCtx := HTTPClientContext(ctx, client)
	cfg := p.oauth2Config()
	src := cfg.TokenSource(oidcCtx, &oauth2.Token{RefreshToken: refreshToken})
	t, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to refresh token: %w", op, err)
	}
	return t, nil
}
