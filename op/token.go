package op

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/jiang-12196/op-rp-example/internal/strutils"
	"github.com/jiang-12196/op-rp-example/op/storage"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Token kinds.
const (
	TokenKindAccess  = "access_token"
	TokenKindRefresh = "refresh_token"
)

// Access token wire formats.
const (
	AccessTokenFormatOpaque = "opaque"
	AccessTokenFormatJWT    = "jwt"
)

// TokenResponse is the token endpoint success payload per RFC 6749 §5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// codeRecord is the stored form of an authorization code.  The opaque code
// value is the store key; redemption is a single atomic Take, which is what
// makes the code one-time-use even under concurrent redemption.
type codeRecord struct {
	ClientID            string   `json:"client_id"`
	AccountID           string   `json:"account_id"`
	GrantID             string   `json:"grant_id"`
	SessionID           string   `json:"session_id,omitempty"`
	Scopes              []string `json:"scopes"`
	Claims              []string `json:"claims,omitempty"`
	RedirectURI         string   `json:"redirect_uri"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	ACR                 string   `json:"acr,omitempty"`
	AMR                 []string `json:"amr,omitempty"`
	AuthTime            int64    `json:"auth_time,omitempty"`
	IssuedAt            int64    `json:"iat"`
	ExpiresAt           int64    `json:"exp"`
}

// tokenRecord is the stored form of an opaque access or refresh token.
type tokenRecord struct {
	JTI       string   `json:"jti"`
	Kind      string   `json:"kind"`
	GrantID   string   `json:"grant_id,omitempty"`
	ClientID  string   `json:"client_id"`
	AccountID string   `json:"account_id,omitempty"`
	Scopes    []string `json:"scopes"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

// consumedRecord is the tombstone left behind when a one-time credential
// (code or rotated refresh token) is redeemed.  A later hit on the
// tombstone is breach detection: the whole grant gets revoked.
type consumedRecord struct {
	GrantID  string `json:"grant_id"`
	ClientID string `json:"client_id"`
}

// issueCode mints the authorization code for a READY request: an opaque
// unguessable value persisted with a short TTL and bound to the client,
// redirect_uri, nonce and PKCE challenge of the original request.
func (p *Provider) issueCode(ctx context.Context, r *AuthRequest, g *Grant, s *Session) (string, error) {
	const op = "Provider.issueCode"
	code, err := NewOpaque(WithPrefix("ac"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	now := p.now()
	rec := codeRecord{
		ClientID:            r.ClientID,
		AccountID:           g.AccountID,
		GrantID:             g.ID,
		Scopes:              r.Scopes,
		Claims:              r.Claims,
		RedirectURI:         r.RedirectURI,
		Nonce:               r.Nonce,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		IssuedAt:            now.Unix(),
		ExpiresAt:           now.Add(p.config.CodeTTL).Unix(),
	}
	if s != nil {
		rec.SessionID = s.ID
		rec.ACR = s.ACR
		rec.AMR = s.AMR
		rec.AuthTime = s.AuthTime
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := p.store.Put(ctx, storage.KindCode, code, raw, p.config.CodeTTL); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return code, nil
}

// RedeemCode validates and consumes an authorization code, returning the
// token set.  The code must be unexpired and unredeemed, the client must be
// its owner, the redirect_uri must match exactly, and the PKCE verifier
// must hash to the stored challenge.  Two concurrent redemptions of the
// same code produce exactly one success; the loser — and any later replay —
// gets ErrInvalidGrant, and a replay additionally revokes the grant.
func (p *Provider) RedeemCode(ctx context.Context, client *Client, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	const op = "Provider.RedeemCode"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if code == "" {
		return nil, fmt.Errorf("%s: code is missing: %w", op, ErrInvalidGrant)
	}
	raw, err := p.store.Take(ctx, storage.KindCode, code)
	if err != nil {
		p.detectReplay(ctx, storage.KindCode, code)
		return nil, fmt.Errorf("%s: code is unknown, expired or already redeemed: %w", op, ErrInvalidGrant)
	}
	var rec codeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%s: unable to decode code record: %w", op, err)
	}

	// Tombstone first: even a failed redemption burns the code.
	p.tombstone(ctx, storage.KindCode, code, rec.GrantID, rec.ClientID)

	switch {
	case rec.ExpiresAt <= p.now().Unix():
		return nil, fmt.Errorf("%s: code is expired: %w", op, ErrInvalidGrant)
	case rec.ClientID != client.ID:
		return nil, fmt.Errorf("%s: code was issued to another client: %w", op, ErrInvalidGrant)
	case rec.RedirectURI != redirectURI:
		return nil, fmt.Errorf("%s: redirect_uri mismatch: %w", op, ErrInvalidGrant)
	}
	if err := verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, codeVerifier); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	g, err := p.grant(ctx, rec.GrantID)
	if err != nil {
		return nil, fmt.Errorf("%s: grant is revoked: %w", op, ErrInvalidGrant)
	}

	return p.mintTokenSet(ctx, client, g, &rec)
}

// RefreshGrant redeems a refresh token, rotating it: the presented token is
// invalidated and a successor is issued.  Presenting an already-rotated
// token means the token leaked — the grant and with it every descendant
// token is revoked.
func (p *Provider) RefreshGrant(ctx context.Context, client *Client, refreshToken string, requestedScopes []string) (*TokenResponse, error) {
	const op = "Provider.RefreshGrant"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh_token is missing: %w", op, ErrInvalidGrant)
	}
	if !client.AllowsGrantType(GrantTypeRefreshToken) {
		return nil, fmt.Errorf("%s: client %s may not refresh: %w", op, client.ID, ErrUnauthorizedClient)
	}
	raw, err := p.store.Take(ctx, storage.KindRefreshToken, refreshToken)
	if err != nil {
		p.detectReplay(ctx, storage.KindRefreshToken, refreshToken)
		return nil, fmt.Errorf("%s: refresh token is unknown, expired or rotated: %w", op, ErrInvalidGrant)
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%s: unable to decode token record: %w", op, err)
	}

	p.tombstone(ctx, storage.KindRefreshToken, refreshToken, rec.GrantID, rec.ClientID)

	switch {
	case rec.ExpiresAt <= p.now().Unix():
		return nil, fmt.Errorf("%s: refresh token is expired: %w", op, ErrInvalidGrant)
	case rec.ClientID != client.ID:
		return nil, fmt.Errorf("%s: refresh token was issued to another client: %w", op, ErrInvalidGrant)
	}

	g, err := p.grant(ctx, rec.GrantID)
	if err != nil {
		return nil, fmt.Errorf("%s: grant is revoked: %w", op, ErrInvalidGrant)
	}

	scopes := rec.Scopes
	if len(requestedScopes) > 0 {
		// A refresh may narrow, never widen, the token's scope.
		if !strutils.StrListSubset(rec.Scopes, requestedScopes) {
			return nil, fmt.Errorf("%s: requested scope exceeds the refreshed grant: %w", op, ErrInvalidScope)
		}
		scopes = requestedScopes
	}

	code := &codeRecord{
		ClientID:  client.ID,
		AccountID: g.AccountID,
		GrantID:   g.ID,
		Scopes:    scopes,
		Claims:    g.Claims,
	}
	return p.mintTokenSet(ctx, client, g, code)
}

// ClientCredentials issues a client-scoped access token with no grant and
// no refresh token.
func (p *Provider) ClientCredentials(ctx context.Context, client *Client, requestedScopes []string) (*TokenResponse, error) {
	const op = "Provider.ClientCredentials"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if !client.AllowsGrantType(GrantTypeClientCredentials) {
		return nil, fmt.Errorf("%s: client %s may not use client_credentials: %w", op, client.ID, ErrUnauthorizedClient)
	}
	if client.Public() {
		return nil, fmt.Errorf("%s: public clients may not use client_credentials: %w", op, ErrUnauthorizedClient)
	}
	allowed := client.Scopes
	if len(allowed) == 0 {
		allowed = p.config.SupportedScopes()
	}
	scopes := requestedScopes
	if len(scopes) == 0 {
		scopes = allowed
	} else if !strutils.StrListSubset(allowed, scopes) {
		return nil, fmt.Errorf("%s: requested scope exceeds client allowlist: %w", op, ErrInvalidScope)
	}

	access, expiresIn, err := p.mintAccessToken(ctx, client, "", "", scopes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       joinScopes(scopes),
	}, nil
}

// mintTokenSet builds the access/refresh/id token triple for a redeemed
// code or rotated refresh token.
func (p *Provider) mintTokenSet(ctx context.Context, client *Client, g *Grant, rec *codeRecord) (*TokenResponse, error) {
	const op = "Provider.mintTokenSet"

	access, expiresIn, err := p.mintAccessToken(ctx, client, g.ID, g.AccountID, rec.Scopes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       joinScopes(rec.Scopes),
	}

	if client.AllowsGrantType(GrantTypeRefreshToken) {
		refresh, err := p.mintRefreshToken(ctx, client, g, rec.Scopes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resp.RefreshToken = refresh
	}

	if strutils.StrListContains(rec.Scopes, ScopeOpenID) {
		idToken, err := p.mintIDToken(ctx, client, g, rec, access)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// mintAccessToken issues an access token: opaque (introspectable via its
// stored record) or a self-contained signed JWT per configuration.  Either
// way a record is stored so introspection and revocation work uniformly.
func (p *Provider) mintAccessToken(ctx context.Context, client *Client, grantID, accountID string, scopes []string) (string, int64, error) {
	const op = "Provider.mintAccessToken"
	jti, err := NewID(WithPrefix("jti"))
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", op, err)
	}
	now := p.now()
	rec := tokenRecord{
		JTI:       jti,
		Kind:      TokenKindAccess,
		GrantID:   grantID,
		ClientID:  client.ID,
		AccountID: accountID,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(p.config.AccessTokenTTL).Unix(),
	}

	var token string
	switch p.config.AccessTokenFormat {
	case AccessTokenFormatJWT:
		signed, err := p.signAccessTokenJWT(&rec)
		if err != nil {
			return "", 0, fmt.Errorf("%s: %w", op, err)
		}
		token = signed
	default:
		opaque, err := NewOpaque(WithPrefix("at"))
		if err != nil {
			return "", 0, fmt.Errorf("%s: %w", op, err)
		}
		token = opaque
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := p.store.Put(ctx, storage.KindAccessToken, token, raw, p.config.AccessTokenTTL); err != nil {
		return "", 0, fmt.Errorf("%s: %w", op, err)
	}
	return token, int64(p.config.AccessTokenTTL.Seconds()), nil
}

// mintRefreshToken issues an opaque refresh token referencing the grant.
func (p *Provider) mintRefreshToken(ctx context.Context, client *Client, g *Grant, scopes []string) (string, error) {
	const op = "Provider.mintRefreshToken"
	token, err := NewOpaque(WithPrefix("rt"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	jti, err := NewID(WithPrefix("jti"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	now := p.now()
	rec := tokenRecord{
		JTI:       jti,
		Kind:      TokenKindRefresh,
		GrantID:   g.ID,
		ClientID:  client.ID,
		AccountID: g.AccountID,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(p.config.RefreshTokenTTL).Unix(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := p.store.Put(ctx, storage.KindRefreshToken, token, raw, p.config.RefreshTokenTTL); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

// mintIDToken projects the account's claims through the scope→claims
// mapping, signs the result with the algorithm negotiated at client
// registration, and optionally JWE-encrypts it for the client.
func (p *Provider) mintIDToken(ctx context.Context, client *Client, g *Grant, rec *codeRecord, accessToken string) (string, error) {
	const op = "Provider.mintIDToken"

	full, err := p.lookupAccount(ctx, g.AccountID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	claims := projectClaims(full, rec.Scopes, rec.Claims, p.config.ClaimMappings())

	now := p.now()
	std := jwt.Claims{
		Issuer:   p.config.Issuer,
		Subject:  g.AccountID,
		Audience: jwt.Audience{client.ID},
		Expiry:   jwt.NewNumericDate(now.Add(p.config.IDTokenTTL)),
		IssuedAt: jwt.NewNumericDate(now),
	}

	private := map[string]interface{}{}
	for k, v := range claims {
		private[k] = v
	}
	if rec.Nonce != "" {
		private["nonce"] = rec.Nonce
	}
	if rec.ACR != "" {
		private["acr"] = rec.ACR
	}
	if len(rec.AMR) > 0 {
		private["amr"] = rec.AMR
	}
	if rec.AuthTime != 0 {
		private["auth_time"] = rec.AuthTime
	}
	if accessToken != "" {
		atHash, err := accessTokenHash(client.SigningAlg(), accessToken)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		private["at_hash"] = atHash
	}

	key, err := p.keys.SigningKey(client.SigningAlg())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: client.SigningAlg(), Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create signer: %w", op, err)
	}

	if client.IDTokenEncryptedResponseAlg == "" {
		signed, err := jwt.Signed(signer).Claims(std).Claims(private).CompactSerialize()
		if err != nil {
			return "", fmt.Errorf("%s: unable to sign id_token: %w", op, err)
		}
		return signed, nil
	}

	enc := client.IDTokenEncryptedResponseEnc
	if enc == "" {
		enc = DefaultIDTokenEnc
	}
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{
			Algorithm: jose.KeyAlgorithm(client.IDTokenEncryptedResponseAlg),
			Key:       client.IDTokenEncryptionKey,
		},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create encrypter: %w", op, err)
	}
	nested, err := jwt.SignedAndEncrypted(signer, encrypter).Claims(std).Claims(private).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%s: unable to sign and encrypt id_token: %w", op, err)
	}
	return nested, nil
}

// signAccessTokenJWT produces the self-contained access token form.
func (p *Provider) signAccessTokenJWT(rec *tokenRecord) (string, error) {
	const op = "Provider.signAccessTokenJWT"
	alg := jose.SignatureAlgorithm(DefaultIDTokenAlg)
	key, err := p.keys.SigningKey(alg)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: key},
		(&jose.SignerOptions{}).WithType("at+jwt"),
	)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create signer: %w", op, err)
	}
	sub := rec.AccountID
	if sub == "" {
		sub = rec.ClientID
	}
	std := jwt.Claims{
		ID:       rec.JTI,
		Issuer:   p.config.Issuer,
		Subject:  sub,
		Audience: jwt.Audience{rec.ClientID},
		Expiry:   jwt.NewNumericDate(time.Unix(rec.ExpiresAt, 0)),
		IssuedAt: jwt.NewNumericDate(time.Unix(rec.IssuedAt, 0)),
	}
	private := map[string]interface{}{
		"client_id": rec.ClientID,
		"scope":     joinScopes(rec.Scopes),
	}
	signed, err := jwt.Signed(signer).Claims(std).Claims(private).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%s: unable to sign access token: %w", op, err)
	}
	return signed, nil
}

// verifyPKCE checks the presented code_verifier against the challenge
// stored with the code per RFC 7636.  Comparison is constant-time.
func verifyPKCE(challenge, method, verifier string) error {
	const op = "op.verifyPKCE"
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("%s: verifier presented for a code without a challenge: %w", op, ErrInvalidGrant)
		}
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("%s: code_verifier is missing: %w", op, ErrInvalidGrant)
	}
	if method != CodeChallengeS256 {
		return fmt.Errorf("%s: unsupported challenge method %q: %w", op, method, ErrInvalidGrant)
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("%s: code_verifier does not match the challenge: %w", op, ErrInvalidGrant)
	}
	return nil
}

// accessTokenHash computes the oidc at_hash: the left half of the hash the
// id_token's signing algorithm implies, base64url encoded.
func accessTokenHash(alg jose.SignatureAlgorithm, accessToken string) (string, error) {
	const op = "op.accessTokenHash"
	var h hash.Hash
	switch alg {
	case jose.RS256, jose.ES256, jose.PS256, jose.HS256:
		h = sha256.New()
	case jose.RS384, jose.ES384, jose.PS384, jose.HS384:
		h = sha512.New384()
	case jose.RS512, jose.ES512, jose.PS512, jose.HS512:
		h = sha512.New()
	default:
		return "", fmt.Errorf("%s: no hash for alg %q: %w", op, alg, ErrInvalidParameter)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// tombstone marks a one-time credential as consumed so a later replay is
// distinguishable from a credential that never existed.
func (p *Provider) tombstone(ctx context.Context, kind, value, grantID, clientID string) {
	rec := consumedRecord{GrantID: grantID, ClientID: clientID}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := p.store.Put(ctx, storage.KindConsumed, kind+"/"+value, raw, p.config.RefreshTokenTTL); err != nil {
		p.logger.Warn("unable to record consumed credential", "kind", kind, "error", err)
	}
}

// detectReplay checks whether a failed Take was a replay of an already
// consumed credential and, if so, revokes the associated grant.  Reuse of a
// rotated refresh token (or redeemed code) means it leaked; killing the
// grant also kills every successor token.
func (p *Provider) detectReplay(ctx context.Context, kind, value string) {
	raw, err := p.store.Get(ctx, storage.KindConsumed, kind+"/"+value)
	if err != nil {
		return
	}
	var rec consumedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return
	}
	g, err := p.grant(ctx, rec.GrantID)
	if err != nil {
		return
	}
	p.logger.Warn("replay of consumed credential detected, revoking grant",
		"kind", kind, "client_id", rec.ClientID, "grant_id", rec.GrantID)
	if err := p.revokeGrant(ctx, g); err != nil {
		p.logger.Error("unable to revoke grant after replay", "grant_id", rec.GrantID, "error", err)
	}
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
