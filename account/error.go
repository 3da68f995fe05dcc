package account

import "errors"

var (
	// ErrInvalidAccount is returned when directory configuration is
	// malformed.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrUnknownAccount is returned when no account has the given id.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrInvalidCredentials is returned for any failed login, whether the
	// login or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
