package op

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jiang-12196/op-rp-example/op/storage"
)

// Interaction reasons surfaced to the external login/consent UI.
const (
	InteractionLoginRequired   = "login_required"
	InteractionConsentRequired = "consent_required"
)

// LoginResult is the outcome of the external login step.
type LoginResult struct {
	AccountID string   `json:"account"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	Remember  bool     `json:"remember,omitempty"`
	AuthTime  int64    `json:"ts,omitempty"`
}

// ConsentResult is the outcome of the external consent step.  An empty
// RejectedScopes set with Granted=true consents to everything requested.
type ConsentResult struct {
	Granted        bool     `json:"granted"`
	RejectedScopes []string `json:"rejected_scopes,omitempty"`
}

// InteractionResult is the payload the external UI posts back via
// FinishInteraction.
type InteractionResult struct {
	Login   *LoginResult   `json:"login,omitempty"`
	Consent *ConsentResult `json:"consent,omitempty"`

	// Error is an oauth reason code (e.g. access_denied) when the UI
	// aborts the flow instead of resolving it.
	Error string `json:"error,omitempty"`
}

// Interaction tracks one in-flight authorization request that is suspended
// while the external UI collects login and/or consent.  It is single-use:
// it is resolved exactly once and consumed exactly once when resumed.
type Interaction struct {
	ID        string             `json:"id"`
	Params    *AuthRequest       `json:"params"`
	SessionID string             `json:"session_id,omitempty"`
	Reason    string             `json:"reason"`
	Result    *InteractionResult `json:"result,omitempty"`
	Resolved  bool               `json:"resolved"`
	CreatedAt int64              `json:"created_at"`
	ExpiresAt int64              `json:"expires_at"`
}

func (i *Interaction) expired(nowUnix int64) bool {
	return nowUnix >= i.ExpiresAt
}

// createInteraction is the VALIDATED→NEEDS_INTERACTION transition: it
// suspends the authorization request under a fresh unguessable id.
func (p *Provider) createInteraction(ctx context.Context, r *AuthRequest, sessionID, reason string) (*Interaction, error) {
	const op = "Provider.createInteraction"
	id, err := NewID(WithPrefix("itx"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := p.now()
	i := &Interaction{
		ID:        id,
		Params:    r,
		SessionID: sessionID,
		Reason:    reason,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(p.config.InteractionTTL).Unix(),
	}
	if err := p.putInteraction(ctx, i); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return i, nil
}

// InteractionDetails returns what the external UI needs to render the
// login/consent screen for a pending interaction: the original request
// snapshot, the client, and the reason interaction was required.
func (p *Provider) InteractionDetails(ctx context.Context, id string) (*Interaction, *Client, error) {
	const op = "Provider.InteractionDetails"
	i, err := p.getInteraction(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := p.registry.Find(i.Params.ClientID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return i, client, nil
}

// FinishInteraction is the one-shot pending→resolved transition, invoked by
// the external login/consent collaborator.  A second call for the same id
// fails with ErrAlreadyResolved and never re-issues anything; concurrent
// calls have exactly one winner.  It returns the resolved interaction so
// the http layer can redirect the user agent to the resume endpoint.
func (p *Provider) FinishInteraction(ctx context.Context, id string, result *InteractionResult) (*Interaction, error) {
	const op = "Provider.FinishInteraction"
	if result == nil {
		return nil, fmt.Errorf("%s: result is nil: %w", op, ErrNilParameter)
	}
	raw, err := p.store.Take(ctx, storage.KindInteraction, id)
	if err != nil {
		// The pending record is gone: either someone already resolved it,
		// or it never existed / expired away.
		if i, getErr := p.getInteraction(ctx, id); getErr == nil && i.Resolved {
			return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrAlreadyResolved)
		}
		return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrNotFound)
	}
	var i Interaction
	if err := json.Unmarshal(raw, &i); err != nil {
		return nil, fmt.Errorf("%s: unable to decode interaction: %w", op, err)
	}
	if i.Resolved {
		// A resumed-then-refetched record can't be finished again.
		_ = p.putInteraction(ctx, &i)
		return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrAlreadyResolved)
	}
	if i.expired(p.now().Unix()) {
		return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrExpiredInteraction)
	}
	i.Result = result
	i.Resolved = true
	if err := p.putInteraction(ctx, &i); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &i, nil
}

// consumeInteraction atomically takes a resolved interaction for resumption
// into code issuance.  Resuming twice is an error.
func (p *Provider) consumeInteraction(ctx context.Context, id string) (*Interaction, error) {
	const op = "Provider.consumeInteraction"
	raw, err := p.store.Take(ctx, storage.KindInteraction, id)
	if err != nil {
		return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrNotFound)
	}
	var i Interaction
	if err := json.Unmarshal(raw, &i); err != nil {
		return nil, fmt.Errorf("%s: unable to decode interaction: %w", op, err)
	}
	if !i.Resolved {
		// Not finished yet; put the pending record back for the UI.
		_ = p.putInteraction(ctx, &i)
		return nil, fmt.Errorf("%s: interaction %s is unresolved: %w", op, id, ErrInvalidRequest)
	}
	if i.expired(p.now().Unix()) {
		return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrExpiredInteraction)
	}
	return &i, nil
}

func (p *Provider) getInteraction(ctx context.Context, id string) (*Interaction, error) {
	const op = "Provider.getInteraction"
	if id == "" {
		return nil, fmt.Errorf("%s: interaction id is empty: %w", op, ErrNotFound)
	}
	raw, err := p.store.Get(ctx, storage.KindInteraction, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var i Interaction
	if err := json.Unmarshal(raw, &i); err != nil {
		return nil, fmt.Errorf("%s: unable to decode interaction: %w", op, err)
	}
	if i.expired(p.now().Unix()) {
		return nil, fmt.Errorf("%s: interaction %s: %w", op, id, ErrExpiredInteraction)
	}
	return &i, nil
}

func (p *Provider) putInteraction(ctx context.Context, i *Interaction) error {
	raw, err := json.Marshal(i)
	if err != nil {
		return err
	}
	return p.store.Put(ctx, storage.KindInteraction, i.ID, raw, p.config.InteractionTTL)
}
