package op

import (
	"errors"
)

var (
	// ErrInvalidParameter is returned when a function is called with an
	// invalid parameter.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNilParameter is returned when a required parameter is nil.
	ErrNilParameter = errors.New("nil parameter")

	// ErrInvalidRequest represents the oauth "invalid_request" error: the
	// request is missing a required parameter or is otherwise malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnauthorizedClient represents the oauth "unauthorized_client"
	// error: the client is not authorized to use the requested grant or
	// response type.
	ErrUnauthorizedClient = errors.New("unauthorized client")

	// ErrAccessDenied represents the oauth "access_denied" error: the
	// resource owner or provider denied the request.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidScope represents the oauth "invalid_scope" error: the
	// requested scope is unknown or exceeds what the client may request.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrServerError represents the oauth "server_error" error.
	ErrServerError = errors.New("server error")

	// ErrLoginRequired represents the oidc "login_required" error: the
	// request used prompt=none but end-user interaction is needed.
	ErrLoginRequired = errors.New("login required")

	// ErrConsentRequired represents the oidc "consent_required" error: the
	// request used prompt=none but consent has not been recorded.
	ErrConsentRequired = errors.New("consent required")

	// ErrInvalidGrant represents the oauth "invalid_grant" error: the
	// authorization code, refresh token or other grant is invalid, expired,
	// revoked, already used, or was issued to another client.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidClient represents the oauth "invalid_client" error: client
	// authentication failed.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidRedirectURI is returned when a redirect_uri is not
	// registered for the client. It must never cause a redirect.
	ErrInvalidRedirectURI = errors.New("invalid redirect uri")

	// ErrUnsupportedResponseType represents the oauth
	// "unsupported_response_type" error.
	ErrUnsupportedResponseType = errors.New("unsupported response type")

	// ErrUnsupportedGrantType represents the oauth "unsupported_grant_type"
	// error.
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrExpiredInteraction is returned when an interaction is resumed or
	// finished after its expiry window.
	ErrExpiredInteraction = errors.New("interaction expired")

	// ErrAlreadyResolved is returned when an interaction is finished a
	// second time. The first resolution stands; nothing is re-issued.
	ErrAlreadyResolved = errors.New("interaction already resolved")

	// ErrNoMatchingKey is returned when the key store has no key satisfying
	// the requested use/algorithm. It's a boot-time configuration error and
	// must abort startup.
	ErrNoMatchingKey = errors.New("no matching key")

	// ErrNotFound is returned when a record (client, session, interaction,
	// grant, token) cannot be found.
	ErrNotFound = errors.New("not found")

	// ErrAccountLookupTimeout is returned when the account collaborator
	// does not answer within the configured bound.  It maps to a 5xx at the
	// http boundary.
	ErrAccountLookupTimeout = errors.New("account lookup timed out")
)

// oauthErrorCode maps an engine error to the wire code used in oauth/oidc
// error responses (redirect query params and token endpoint bodies).
func oauthErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedResponseType):
		return "unsupported_response_type"
	case errors.Is(err, ErrUnsupportedGrantType):
		return "unsupported_grant_type"
	case errors.Is(err, ErrUnauthorizedClient):
		return "unauthorized_client"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrLoginRequired):
		return "login_required"
	case errors.Is(err, ErrConsentRequired):
		return "consent_required"
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrExpiredInteraction):
		return "invalid_grant"
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, ErrServerError), errors.Is(err, ErrAccountLookupTimeout):
		return "server_error"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrInvalidRedirectURI):
		return "invalid_request"
	default:
		return "server_error"
	}
}
