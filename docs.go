// op-rp-example is a reference OpenID Connect demo: a minimal but complete
// identity provider (package op) plus a companion relying party (package rp)
// that exercises it end to end.
//
// The provider implements the authorization code flow with PKCE, refresh
// token rotation, token introspection and revocation, discovery and a
// pluggable record store.  The relying party drives the same flow from the
// client side with discovery-based configuration and id_token verification.
//
// See cmd/op and cmd/rp for the runnable demo binaries.
package oprp
