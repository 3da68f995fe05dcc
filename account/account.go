// Package account provides a demo credential and claims directory for the
// provider.  Accounts are loaded once at startup; passwords are verified
// against bcrypt hashes so a configuration file never carries plaintext.
package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/jiang-12196/op-rp-example/op"
	"golang.org/x/crypto/bcrypt"
)

// Account is a single directory entry: a login handle, a bcrypt password
// hash and the openid claims the provider may release for it.
type Account struct {
	ID           string    `yaml:"id" json:"id"`
	Login        string    `yaml:"login" json:"login"`
	PasswordHash string    `yaml:"password_hash" json:"password_hash"`
	Claims       op.Claims `yaml:"claims" json:"claims"`
}

// Directory is an in-memory op.AccountReader.  Lookups never mutate it, so
// concurrent reads from authorization and userinfo paths are safe.
type Directory struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byLogin map[string]*Account
}

// NewDirectory builds a directory from the given accounts.
func NewDirectory(accounts []Account) (*Directory, error) {
	const op = "account.NewDirectory"
	d := &Directory{
		byID:    make(map[string]*Account, len(accounts)),
		byLogin: make(map[string]*Account, len(accounts)),
	}
	for i := range accounts {
		a := accounts[i]
		if a.ID == "" || a.Login == "" {
			return nil, fmt.Errorf("%s: account %d is missing id or login: %w", op, i, ErrInvalidAccount)
		}
		if _, ok := d.byID[a.ID]; ok {
			return nil, fmt.Errorf("%s: duplicate account id %q: %w", op, a.ID, ErrInvalidAccount)
		}
		if _, ok := d.byLogin[a.Login]; ok {
			return nil, fmt.Errorf("%s: duplicate login %q: %w", op, a.Login, ErrInvalidAccount)
		}
		if a.Claims == nil {
			a.Claims = make(map[string]interface{})
		}
		// The subject claim always reflects the account id, whatever the
		// configured claim set says.
		a.Claims["sub"] = a.ID
		d.byID[a.ID] = &a
		d.byLogin[a.Login] = &a
	}
	return d, nil
}

// FindByID implements op.AccountReader, returning the full claim set for
// an account id.
func (d *Directory) FindByID(ctx context.Context, id string) (op.Claims, error) {
	const op = "account.(Directory).FindByID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	d.mu.RLock()
	a, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: account %q: %w", op, id, ErrUnknownAccount)
	}
	return a.Claims, nil
}

// FindByLogin implements op.AccountReader.  An unknown login and a wrong
// password both return ErrInvalidCredentials; callers cannot distinguish
// them.  The unknown-login path still burns a bcrypt comparison so the two
// take comparable time.
func (d *Directory) FindByLogin(ctx context.Context, login, password string) (string, error) {
	const op = "account.(Directory).FindByLogin"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	d.mu.RLock()
	a, ok := d.byLogin[login]
	d.mu.RUnlock()
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	return a.ID, nil
}

// HashPassword produces a bcrypt hash suitable for Account.PasswordHash.
func HashPassword(password string) (string, error) {
	const op = "account.HashPassword"
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(h), nil
}

// dummyHash is a valid bcrypt hash of an unguessable value, used to keep
// unknown-login timing in line with wrong-password timing.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("account-directory-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()
