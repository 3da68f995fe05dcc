package op

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jiang-12196/op-rp-example/internal/strutils"
	"github.com/jiang-12196/op-rp-example/op/storage"
)

// Grant is the durable record of an account's consent to a client for a set
// of scopes.  Access and refresh tokens reference their grant by id, so the
// whole token family is revocable as a unit without store scans.
type Grant struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	Claims    []string `json:"claims,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// Covers reports whether the grant consents to all of the requested scopes.
func (g *Grant) Covers(scopes []string) bool {
	return g != nil && strutils.StrListSubset(g.Scopes, scopes)
}

// createGrant persists a new grant for the account/client/scope triple.
func (p *Provider) createGrant(ctx context.Context, accountID, clientID string, scopes, claims []string) (*Grant, error) {
	const op = "Provider.createGrant"
	id, err := NewID(WithPrefix("grant"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g := &Grant{
		ID:        id,
		AccountID: accountID,
		ClientID:  clientID,
		Scopes:    scopes,
		Claims:    claims,
		CreatedAt: p.now().Unix(),
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := p.store.Put(ctx, storage.KindGrant, g.ID, raw, p.config.GrantTTL); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// Consent lookup index: one live grant per account/client pair.
	if err := p.store.Put(ctx, storage.KindGrant, grantIndexKey(accountID, clientID), []byte(g.ID), p.config.GrantTTL); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return g, nil
}

// grantFor returns the live grant for the account/client pair, if any.
func (p *Provider) grantFor(ctx context.Context, accountID, clientID string) (*Grant, error) {
	const op = "Provider.grantFor"
	id, err := p.store.Get(ctx, storage.KindGrant, grantIndexKey(accountID, clientID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p.grant(ctx, string(id))
}

// grant returns the grant record for id.
func (p *Provider) grant(ctx context.Context, id string) (*Grant, error) {
	const op = "Provider.grant"
	raw, err := p.store.Get(ctx, storage.KindGrant, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: grant %s: %w", op, id, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%s: unable to decode grant: %w", op, err)
	}
	return &g, nil
}

// revokeGrant deletes the grant and its consent index entry.  Tokens
// referencing the grant become inert immediately: every use re-reads the
// grant and fails when it is gone.
func (p *Provider) revokeGrant(ctx context.Context, g *Grant) error {
	const op = "Provider.revokeGrant"
	if g == nil {
		return fmt.Errorf("%s: grant is nil: %w", op, ErrNilParameter)
	}
	if err := p.store.Delete(ctx, storage.KindGrant, grantIndexKey(g.AccountID, g.ClientID)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.store.Delete(ctx, storage.KindGrant, g.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func grantIndexKey(accountID, clientID string) string {
	return "idx/" + accountID + "/" + clientID
}
