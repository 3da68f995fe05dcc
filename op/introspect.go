package op

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jiang-12196/op-rp-example/op/storage"
)

// IntrospectionResponse is the RFC 7662 introspection payload.  Inactive
// tokens report only {"active": false} — unknown, expired and revoked are
// deliberately indistinguishable to the caller.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// Introspect reports the state and metadata of a presented token.  Expired,
// unknown and revoked tokens yield active:false, never an error.
func (p *Provider) Introspect(ctx context.Context, token string) (*IntrospectionResponse, error) {
	if token == "" {
		return &IntrospectionResponse{Active: false}, nil
	}
	rec, _, err := p.findToken(ctx, token)
	if err != nil {
		return &IntrospectionResponse{Active: false}, nil
	}
	if rec.ExpiresAt <= p.now().Unix() {
		return &IntrospectionResponse{Active: false}, nil
	}
	if rec.GrantID != "" {
		if _, err := p.grant(ctx, rec.GrantID); err != nil {
			return &IntrospectionResponse{Active: false}, nil
		}
	}
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     joinScopes(rec.Scopes),
		ClientID:  rec.ClientID,
		Subject:   rec.AccountID,
		TokenType: rec.Kind,
		ExpiresAt: rec.ExpiresAt,
		IssuedAt:  rec.IssuedAt,
		JTI:       rec.JTI,
		Issuer:    p.config.Issuer,
	}
	if resp.Subject == "" {
		resp.Subject = rec.ClientID
	}
	return resp, nil
}

// Revoke invalidates the presented token.  Revoking a refresh token
// revokes its entire grant, cascading to every derived token through the
// grant-id linkage rather than a store scan.  Per RFC 7009 an unknown
// token is not an error.
func (p *Provider) Revoke(ctx context.Context, client *Client, token string) error {
	const op = "Provider.Revoke"
	if client == nil {
		return fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	}
	if token == "" {
		return nil
	}
	rec, kind, err := p.findToken(ctx, token)
	if err != nil {
		return nil
	}
	if rec.ClientID != client.ID {
		// Tokens of other clients are treated as unknown.
		return nil
	}
	if err := p.store.Delete(ctx, kind, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rec.Kind == TokenKindRefresh && rec.GrantID != "" {
		g, err := p.grant(ctx, rec.GrantID)
		if err != nil {
			return nil
		}
		if err := p.revokeGrant(ctx, g); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		p.logger.Info("grant revoked via refresh token revocation",
			"client_id", client.ID, "grant_id", rec.GrantID)
	}
	return nil
}

// findToken resolves a presented token value to its stored record,
// checking the access token namespace first, then refresh.
func (p *Provider) findToken(ctx context.Context, token string) (*tokenRecord, string, error) {
	const op = "Provider.findToken"
	for _, kind := range []string{storage.KindAccessToken, storage.KindRefreshToken} {
		raw, err := p.store.Get(ctx, kind, token)
		if err != nil {
			continue
		}
		var rec tokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, "", fmt.Errorf("%s: unable to decode token record: %w", op, err)
		}
		return &rec, kind, nil
	}
	return nil, "", fmt.Errorf("%s: %w", op, ErrNotFound)
}
