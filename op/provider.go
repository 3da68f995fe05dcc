package op

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/jiang-12196/op-rp-example/internal/strutils"
	"github.com/jiang-12196/op-rp-example/op/storage"
	jose "gopkg.in/square/go-jose.v2"
)

// Default lifetimes.  All stored records carry expiry; expired records are
// never treated as valid even before a sweep reclaims them.
const (
	DefaultCodeTTL              = 60 * time.Second
	DefaultAccessTokenTTL       = 1 * time.Hour
	DefaultRefreshTokenTTL      = 14 * 24 * time.Hour
	DefaultIDTokenTTL           = 1 * time.Hour
	DefaultInteractionTTL       = 10 * time.Minute
	DefaultSessionTTL           = 1 * time.Hour
	DefaultRememberedSessionTTL = 14 * 24 * time.Hour
	DefaultGrantTTL             = 14 * 24 * time.Hour
	DefaultAccountLookupTimeout = 5 * time.Second
	DefaultSweepInterval        = 1 * time.Minute
)

// Config is the static configuration of the provider.  It is a pure data
// struct: anything contextual (like where the interaction UI lives) is
// expressed as a resolver function taking explicit arguments.
type Config struct {
	// Issuer is the provider's issuer identifier url.
	Issuer string

	// Scopes is the supported scope set.  Defaults to openid plus the
	// scopes named by the claim mappings.
	Scopes []string

	// Claims maps a scope to the claim names it governs.  Defaults to
	// DefaultClaimMappings.
	Claims map[string][]string

	// ACRValues lists the authentication context class references the
	// provider can satisfy.
	ACRValues []string

	// InteractionURL resolves the external UI location for a suspended
	// authorization request.  Defaults to "/interaction/{id}".
	InteractionURL func(interactionID string) string

	// AccessTokenFormat is "opaque" (default) or "jwt".
	AccessTokenFormat string

	CodeTTL              time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	IDTokenTTL           time.Duration
	InteractionTTL       time.Duration
	SessionTTL           time.Duration
	RememberedSessionTTL time.Duration
	GrantTTL             time.Duration
	AccountLookupTimeout time.Duration

	// SweepInterval is how often the background sweep reclaims expired
	// records.  Zero disables the sweep (lazy expiry still applies).
	SweepInterval time.Duration
}

// SupportedScopes returns the provider's scope set.
func (c *Config) SupportedScopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	scopes := []string{ScopeOpenID}
	for scope := range c.ClaimMappings() {
		scopes = append(scopes, scope)
	}
	return strutils.RemoveDuplicatesStable(scopes, false)
}

// ClaimMappings returns the scope→claims table.
func (c *Config) ClaimMappings() map[string][]string {
	if len(c.Claims) > 0 {
		return c.Claims
	}
	return DefaultClaimMappings()
}

// Validate verifies the configuration, accumulating every problem found.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter))
	} else {
		u, err := url.Parse(c.Issuer)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			result = multierror.Append(result, fmt.Errorf("%s: issuer %q is not an http(s) url: %w", op, c.Issuer, ErrInvalidParameter))
		}
	}
	switch c.AccessTokenFormat {
	case "", AccessTokenFormatOpaque, AccessTokenFormatJWT:
	default:
		result = multierror.Append(result, fmt.Errorf("%s: access token format %q: %w", op, c.AccessTokenFormat, ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// withDefaults fills in zero-valued durations.
func (c *Config) withDefaults() {
	if c.CodeTTL == 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = DefaultIDTokenTTL
	}
	if c.InteractionTTL == 0 {
		c.InteractionTTL = DefaultInteractionTTL
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.RememberedSessionTTL == 0 {
		c.RememberedSessionTTL = DefaultRememberedSessionTTL
	}
	if c.GrantTTL == 0 {
		c.GrantTTL = DefaultGrantTTL
	}
	if c.AccountLookupTimeout == 0 {
		c.AccountLookupTimeout = DefaultAccountLookupTimeout
	}
	if c.InteractionURL == nil {
		c.InteractionURL = func(id string) string {
			return "/interaction/" + url.PathEscape(id)
		}
	}
}

// Provider is the oidc authorization/token issuance engine.  It composes
// the key store, client registry, record store and account collaborator,
// and owns every state transition of the protocol.
type Provider struct {
	config   *Config
	keys     *KeyStore
	registry *Registry
	store    storage.Store
	accounts AccountReader
	logger   hclog.Logger

	nowFunc func() time.Time
	skew    time.Duration

	backgroundCtx       context.Context
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates and boot-validates the engine.  Key store
// misconfiguration (any client whose negotiated algorithm has no key) is
// fatal here: the process must not start and silently degrade.
//
// See Provider.Done() which must be called to release provider resources.
// Supported options: WithLogger, WithNow, WithExpirySkew.
func NewProvider(c *Config, keys *KeyStore, registry *Registry, store storage.Store, accounts AccountReader, opt ...Option) (*Provider, error) {
	const op = "op.NewProvider"
	if keys == nil || registry == nil || store == nil || accounts == nil {
		return nil, fmt.Errorf("%s: keys, registry, store and accounts are all required: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	c.withDefaults()

	required := []jose.SignatureAlgorithm{jose.SignatureAlgorithm(DefaultIDTokenAlg)}
	for _, client := range registry.clients {
		required = append(required, client.SigningAlg())
	}
	if err := keys.Validate(required...); err != nil {
		return nil, fmt.Errorf("%s: key store cannot serve the registered clients: %w", op, err)
	}

	opts := getProviderOpts(opt...)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		config:              c,
		keys:                keys,
		registry:            registry,
		store:               store,
		accounts:            accounts,
		logger:              opts.withLogger,
		nowFunc:             opts.withNowFunc,
		skew:                opts.withExpirySkew,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	if c.SweepInterval > 0 {
		go p.sweepLoop(ctx, c.SweepInterval)
	}
	return p, nil
}

// Done releases the provider's background resources and must be called for
// every Provider created.
func (p *Provider) Done() {
	if p == nil {
		return
	}
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
	}
}

// Registry returns the provider's client registry.
func (p *Provider) Registry() *Registry { return p.registry }

// Config returns the provider's configuration.
func (p *Provider) Config() *Config { return p.config }

func (p *Provider) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

func (p *Provider) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := p.store.SweepExpired(ctx)
			if err != nil {
				p.logger.Warn("sweep of expired records failed", "error", err)
				continue
			}
			if swept > 0 {
				p.logger.Debug("swept expired records", "count", swept)
			}
		}
	}
}

// AuthorizeResult is the outcome of one /auth call.
type AuthorizeResult struct {
	// RedirectURI is set when the user agent should be redirected to the
	// client: either a code+state success or an oauth error redirect.
	RedirectURI string

	// Interaction is set when the flow is suspended and the external UI
	// must collect login/consent.  The http layer redirects the user agent
	// to Config.InteractionURL(Interaction.ID).
	Interaction *Interaction
}

// Authorize runs the authorization request state machine:
// RECEIVED→VALIDATED→{NEEDS_INTERACTION, READY}→ISSUED.  A non-nil error
// return means the request failed before its redirect_uri could be trusted
// and the caller must render an error page, never redirect.
func (p *Provider) Authorize(ctx context.Context, r *AuthRequest, session *Session) (*AuthorizeResult, error) {
	const op = "Provider.Authorize"
	if r == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}

	client, renderErr, redirectErr := p.validateAuthRequest(r)
	if renderErr != nil {
		return nil, fmt.Errorf("%s: %w", op, renderErr)
	}
	if redirectErr != nil {
		return &AuthorizeResult{RedirectURI: errorRedirect(r, redirectErr)}, nil
	}

	reason, err := p.interactionNeeded(ctx, r, session)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if reason != "" {
		if r.HasPrompt(PromptNone) {
			// prompt=none promises no interaction; fail immediately and
			// create nothing.
			cause := ErrLoginRequired
			if reason == InteractionConsentRequired {
				cause = ErrConsentRequired
			}
			return &AuthorizeResult{RedirectURI: errorRedirect(r, cause)}, nil
		}
		sessionID := ""
		if session != nil {
			sessionID = session.ID
		}
		interaction, err := p.createInteraction(ctx, r, sessionID, reason)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		p.logger.Info("authorization suspended for interaction",
			"client_id", client.ID, "interaction_id", interaction.ID, "reason", reason)
		return &AuthorizeResult{Interaction: interaction}, nil
	}

	// READY: session and consent both satisfy the request.
	g, err := p.grantFor(ctx, session.AccountID, client.ID)
	if errors.Is(err, ErrNotFound) {
		// The grant vanished between the consent check and issuance.
		return &AuthorizeResult{RedirectURI: errorRedirect(r, ErrConsentRequired)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p.issue(ctx, r, g, session)
}

// interactionNeeded decides whether the request can proceed on the current
// session or must be suspended, and why.
func (p *Provider) interactionNeeded(ctx context.Context, r *AuthRequest, session *Session) (string, error) {
	const op = "Provider.interactionNeeded"
	switch {
	case !session.Authenticated(),
		r.HasPrompt(PromptLogin),
		!session.SatisfiesACR(r.ACRValues):
		return InteractionLoginRequired, nil
	}
	if r.HasPrompt(PromptConsent) {
		return InteractionConsentRequired, nil
	}
	g, err := p.grantFor(ctx, session.AccountID, r.ClientID)
	switch {
	case errors.Is(err, ErrNotFound):
		return InteractionConsentRequired, nil
	case err != nil:
		return "", fmt.Errorf("%s: %w", op, err)
	case !g.Covers(r.Scopes) || !strutils.StrListSubset(g.Claims, r.Claims):
		return InteractionConsentRequired, nil
	}
	return "", nil
}

// ResumeInteraction is the NEEDS_INTERACTION→READY→ISSUED tail of the state
// machine: it consumes the resolved interaction, applies the login/consent
// result to the session and grant state, and mints the code.  The session
// is the browser session of the returning user agent; it may be nil for a
// cookie-less agent, in which case a session is created.
func (p *Provider) ResumeInteraction(ctx context.Context, interactionID string, session *Session) (*AuthorizeResult, *Session, error) {
	const op = "Provider.ResumeInteraction"
	i, err := p.consumeInteraction(ctx, interactionID)
	if err != nil {
		return nil, session, fmt.Errorf("%s: %w", op, err)
	}
	r := i.Params

	if i.Result.Error != "" {
		return &AuthorizeResult{RedirectURI: errorRedirectCode(r, i.Result.Error, "")}, session, nil
	}

	if session == nil {
		session, err = p.CreateSession(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if login := i.Result.Login; login != nil {
		if login.AuthTime == 0 {
			login.AuthTime = p.now().Unix()
		}
		if err := p.AuthenticateSession(ctx, session, login); err != nil {
			return nil, session, fmt.Errorf("%s: %w", op, err)
		}
	}
	if !session.Authenticated() {
		return &AuthorizeResult{RedirectURI: errorRedirect(r, ErrAccessDenied)}, session, nil
	}

	g, err := p.applyConsent(ctx, r, session, i.Result.Consent)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrConsentRequired) {
			return &AuthorizeResult{RedirectURI: errorRedirect(r, err)}, session, nil
		}
		return nil, session, fmt.Errorf("%s: %w", op, err)
	}

	res, err := p.issue(ctx, r, g, session)
	if err != nil {
		return nil, session, fmt.Errorf("%s: %w", op, err)
	}
	return res, session, nil
}

// applyConsent folds the consent decision into the account's grant for the
// client, creating or widening it as needed.
func (p *Provider) applyConsent(ctx context.Context, r *AuthRequest, session *Session, consent *ConsentResult) (*Grant, error) {
	const op = "Provider.applyConsent"

	scopes := r.Scopes
	claims := r.Claims
	if consent != nil {
		if !consent.Granted && len(consent.RejectedScopes) > 0 {
			return nil, fmt.Errorf("%s: %w", op, ErrAccessDenied)
		}
		if len(consent.RejectedScopes) > 0 {
			if strutils.StrListContains(consent.RejectedScopes, ScopeOpenID) {
				return nil, fmt.Errorf("%s: %w", op, ErrAccessDenied)
			}
			var kept []string
			for _, s := range scopes {
				if !strutils.StrListContains(consent.RejectedScopes, s) {
					kept = append(kept, s)
				}
			}
			scopes = kept
		}
	}

	existing, err := p.grantFor(ctx, session.AccountID, r.ClientID)
	switch {
	case err == nil:
		if existing.Covers(scopes) && strutils.StrListSubset(existing.Claims, claims) {
			return existing, nil
		}
		merged := strutils.RemoveDuplicatesStable(append(existing.Scopes, scopes...), false)
		mergedClaims := strutils.RemoveDuplicatesStable(append(existing.Claims, claims...), false)
		return p.createGrant(ctx, session.AccountID, r.ClientID, merged, mergedClaims)
	case errors.Is(err, ErrNotFound):
		if consent == nil {
			return nil, fmt.Errorf("%s: %w", op, ErrConsentRequired)
		}
		return p.createGrant(ctx, session.AccountID, r.ClientID, scopes, claims)
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
}

// issue is the READY→ISSUED transition: mint the code and build the
// success redirect.
func (p *Provider) issue(ctx context.Context, r *AuthRequest, g *Grant, session *Session) (*AuthorizeResult, error) {
	const op = "Provider.issue"
	code, err := p.issueCode(ctx, r, g, session)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	q := u.Query()
	q.Set("code", code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	p.logger.Info("authorization code issued", "client_id", r.ClientID, "grant_id", g.ID)
	return &AuthorizeResult{RedirectURI: u.String()}, nil
}

// UserInfo resolves the bearer token and returns the account claims scoped
// to what the token may see.
func (p *Provider) UserInfo(ctx context.Context, bearerToken string) (Claims, error) {
	const op = "Provider.UserInfo"
	rec, err := p.accessTokenRecord(ctx, bearerToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec.AccountID == "" {
		return nil, fmt.Errorf("%s: token has no end-user: %w", op, ErrInvalidGrant)
	}
	if !strutils.StrListContains(rec.Scopes, ScopeOpenID) {
		return nil, fmt.Errorf("%s: token lacks the openid scope: %w", op, ErrInvalidGrant)
	}
	full, err := p.lookupAccount(ctx, rec.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var grantedClaims []string
	if rec.GrantID != "" {
		if g, err := p.grant(ctx, rec.GrantID); err == nil {
			grantedClaims = g.Claims
		}
	}
	return projectClaims(full, rec.Scopes, grantedClaims, p.config.ClaimMappings()), nil
}

// accessTokenRecord resolves and validates an access token's stored record.
func (p *Provider) accessTokenRecord(ctx context.Context, token string) (*tokenRecord, error) {
	const op = "Provider.accessTokenRecord"
	if token == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, ErrInvalidGrant)
	}
	raw, err := p.store.Get(ctx, storage.KindAccessToken, token)
	if err != nil {
		return nil, fmt.Errorf("%s: token is unknown or expired: %w", op, ErrInvalidGrant)
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%s: unable to decode token record: %w", op, err)
	}
	if rec.ExpiresAt <= p.now().Add(-p.skew).Unix() {
		return nil, fmt.Errorf("%s: token is expired: %w", op, ErrInvalidGrant)
	}
	if rec.GrantID != "" {
		if _, err := p.grant(ctx, rec.GrantID); err != nil {
			return nil, fmt.Errorf("%s: grant is revoked: %w", op, ErrInvalidGrant)
		}
	}
	return &rec, nil
}

// errorRedirect builds the oauth error redirect for a validated
// redirect_uri.
func errorRedirect(r *AuthRequest, cause error) string {
	return errorRedirectCode(r, oauthErrorCode(cause), cause.Error())
}

func errorRedirectCode(r *AuthRequest, code, description string) string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		// The uri was registry-validated; a parse failure here means a
		// registration bug, and there is nowhere safe to send the agent.
		return ""
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", sanitizeErrorDescription(description))
	}
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// sanitizeErrorDescription keeps wrapped engine errors from leaking
// internal operation traces to the client: only the outermost human
// sentence survives.
func sanitizeErrorDescription(desc string) string {
	if i := strings.Index(desc, ": "); i > 0 {
		// Error chains look like "Provider.x: detail: sentinel"; the last
		// element is the stable sentinel text.
		parts := strings.Split(desc, ": ")
		return parts[len(parts)-1]
	}
	return desc
}
