package rp

import "errors"

var (
	// ErrNilParameter represents an error when a required parameter is nil.
	ErrNilParameter = errors.New("nil parameter")

	// ErrInvalidParameter represents an invalid parameter error.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMissingIDToken is returned when an authorization code exchange
	// response carries no id_token.
	ErrMissingIDToken = errors.New("id_token is missing")

	// ErrInvalidNonce is returned when an id_token's nonce does not match
	// the flow that requested it.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrInvalidAudience is returned when an id_token's audience does not
	// include this client.
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrExpiredRequest is returned when a callback arrives for a flow
	// whose request lifetime has passed.
	ErrExpiredRequest = errors.New("authentication request is expired")

	// ErrUnknownState is returned when a callback's state parameter does
	// not match any pending flow.
	ErrUnknownState = errors.New("unknown authentication state")

	// ErrResponseError is returned when the authorization server redirects
	// back with an error parameter instead of a code.
	ErrResponseError = errors.New("authorization response error")
)
