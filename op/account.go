package op

import (
	"context"
	"errors"
	"fmt"
)

// AccountReader is the account collaborator the engine depends on.  The
// engine never stores accounts itself; it only resolves claims for issued
// tokens and identifiers for completed logins.
//
// Implementations perform real credential verification in FindByLogin and
// report an unknown login or bad credential as an error — the engine never
// auto-provisions accounts.
type AccountReader interface {
	// FindByID returns the full claim set for the account, or ErrNotFound.
	FindByID(ctx context.Context, accountID string) (Claims, error)

	// FindByLogin verifies the login credentials and returns the account
	// id, or an error when the login is unknown or the credential doesn't
	// verify.
	FindByLogin(ctx context.Context, login, password string) (string, error)
}

// lookupAccount resolves the account's claims with a bounded timeout.  A
// collaborator that doesn't answer in time surfaces as
// ErrAccountLookupTimeout, which the http boundary maps to a 5xx.
func (p *Provider) lookupAccount(ctx context.Context, accountID string) (Claims, error) {
	const op = "Provider.lookupAccount"
	ctx, cancel := context.WithTimeout(ctx, p.config.AccountLookupTimeout)
	defer cancel()
	claims, err := p.accounts.FindByID(ctx, accountID)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%s: account %s: %w", op, accountID, ErrAccountLookupTimeout)
	case err != nil:
		return nil, fmt.Errorf("%s: account %s: %w", op, accountID, err)
	}
	return claims, nil
}

// VerifyLogin asks the account collaborator to verify the presented
// credentials, with the same bounded timeout as claim lookups.
func (p *Provider) VerifyLogin(ctx context.Context, login, password string) (string, error) {
	const op = "Provider.VerifyLogin"
	ctx, cancel := context.WithTimeout(ctx, p.config.AccountLookupTimeout)
	defer cancel()
	accountID, err := p.accounts.FindByLogin(ctx, login, password)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "", fmt.Errorf("%s: %w", op, ErrAccountLookupTimeout)
	case err != nil:
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return accountID, nil
}
