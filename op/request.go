package op

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/jiang-12196/op-rp-example/internal/strutils"
	"golang.org/x/text/language"
)

// Response and grant types supported by the provider.
const (
	ResponseTypeCode = "code"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Prompt values from the oidc core spec that the engine acts on.
const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// PKCE code challenge methods.
const (
	CodeChallengeS256  = "S256"
	CodeChallengePlain = "plain"
)

// ScopeOpenID is the required oidc scope.
const ScopeOpenID = "openid"

// AuthRequest is an immutable snapshot of the parameters of one /auth call.
// It is stored inside an Interaction while the flow is suspended for user
// interaction and bound into the authorization code on issuance.
type AuthRequest struct {
	ClientID            string   `json:"client_id"`
	ResponseType        string   `json:"response_type"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Prompts             []string `json:"prompts,omitempty"`
	ACRValues           []string `json:"acr_values,omitempty"`
	UILocales           []string `json:"ui_locales,omitempty"`

	// Claims carries individually requested claim names from the oidc
	// "claims" request parameter, id_token and userinfo combined.
	Claims []string `json:"claims,omitempty"`
}

// ParseAuthRequest builds an AuthRequest snapshot from /auth query values.
// Only syntactic parsing happens here; Provider.Authorize performs the
// registry-backed validation.
func ParseAuthRequest(q url.Values) *AuthRequest {
	r := &AuthRequest{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		RedirectURI:         q.Get("redirect_uri"),
		Scopes:              splitSpaceDelimited(q.Get("scope")),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Prompts:             splitSpaceDelimited(q.Get("prompt")),
		ACRValues:           splitSpaceDelimited(q.Get("acr_values")),
		UILocales:           parseUILocales(q.Get("ui_locales")),
		Claims:              parseClaimsParameter(q.Get("claims")),
	}
	if r.CodeChallenge != "" && r.CodeChallengeMethod == "" {
		r.CodeChallengeMethod = CodeChallengePlain
	}
	return r
}

// HasPrompt reports whether the request carries the given prompt value.
func (r *AuthRequest) HasPrompt(p string) bool {
	return strutils.StrListContains(r.Prompts, p)
}

// parseUILocales keeps only well-formed BCP 47 tags, preserving the
// caller's preference order.
func parseUILocales(raw string) []string {
	var locales []string
	for _, v := range splitSpaceDelimited(raw) {
		tag, err := language.Parse(v)
		if err != nil {
			continue
		}
		locales = append(locales, tag.String())
	}
	return locales
}

// parseClaimsParameter extracts the individually requested claim names from
// the oidc "claims" request parameter, combining the id_token and userinfo
// members.  Member values ({"essential":true}, null, ...) only express
// preference strength and are not acted on.  A malformed value is dropped,
// like any other unparseable optional input.
func parseClaimsParameter(raw string) []string {
	if raw == "" {
		return nil
	}
	var req map[string]map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil
	}
	var names []string
	for _, member := range []string{"id_token", "userinfo"} {
		for name := range req[member] {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return strutils.RemoveDuplicatesStable(names, false)
}

func splitSpaceDelimited(s string) []string {
	if s == "" {
		return nil
	}
	return strutils.RemoveDuplicatesStable(strings.Fields(s), false)
}

// validateAuthRequest is the RECEIVED→VALIDATED transition.  The error
// return distinguishes failures discovered before the redirect_uri could be
// trusted (renderErr, must never redirect) from failures after (redirect
// with oauth error params).
func (p *Provider) validateAuthRequest(r *AuthRequest) (c *Client, renderErr, redirectErr error) {
	const op = "Provider.validateAuthRequest"

	if r.ClientID == "" {
		return nil, fmt.Errorf("%s: client_id is missing: %w", op, ErrInvalidRequest), nil
	}
	client, err := p.registry.Find(r.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown client %q: %w", op, r.ClientID, ErrInvalidRequest), nil
	}
	if err := p.registry.ValidateRedirectURI(client, r.RedirectURI); err != nil {
		// The redirect_uri itself is untrusted: render, don't redirect.
		return nil, fmt.Errorf("%s: %w", op, err), nil
	}

	// From here on the redirect_uri is known-registered and errors go back
	// to the client as an oauth error redirect.
	if r.ResponseType != ResponseTypeCode {
		return client, nil, fmt.Errorf("%s: response_type %q: %w", op, r.ResponseType, ErrUnsupportedResponseType)
	}
	if !client.AllowsResponseType(r.ResponseType) {
		return client, nil, fmt.Errorf("%s: client %s may not use response_type %q: %w", op, client.ID, r.ResponseType, ErrUnauthorizedClient)
	}
	if !strutils.StrListContains(r.Scopes, ScopeOpenID) {
		return client, nil, fmt.Errorf("%s: scope must include %q: %w", op, ScopeOpenID, ErrInvalidScope)
	}
	allowed := client.Scopes
	if len(allowed) == 0 {
		allowed = p.config.SupportedScopes()
	}
	if !strutils.StrListSubset(allowed, r.Scopes) {
		return client, nil, fmt.Errorf("%s: requested scope exceeds client allowlist: %w", op, ErrInvalidScope)
	}
	if client.RequirePKCE || client.Public() {
		if r.CodeChallenge == "" {
			return client, nil, fmt.Errorf("%s: client %s requires pkce: %w", op, client.ID, ErrInvalidRequest)
		}
	}
	if r.CodeChallenge != "" && r.CodeChallengeMethod != CodeChallengeS256 {
		return client, nil, fmt.Errorf("%s: code_challenge_method %q is not supported: %w", op, r.CodeChallengeMethod, ErrInvalidRequest)
	}
	return client, nil, nil
}
