package op

import (
	"github.com/jiang-12196/op-rp-example/internal/strutils"
)

// Claims is a set of identity claims about an account, keyed by claim name.
type Claims map[string]interface{}

// DefaultClaimMappings returns the scope→claims table used when the
// configuration does not provide one.  It mirrors the standard oidc scope
// groups.
func DefaultClaimMappings() map[string][]string {
	return map[string][]string{
		"address": {"address"},
		"email":   {"email", "email_verified"},
		"phone":   {"phone_number", "phone_number_verified"},
		"profile": {
			"birthdate", "family_name", "gender", "given_name", "locale",
			"middle_name", "name", "nickname", "picture",
			"preferred_username", "profile", "updated_at", "website",
			"zoneinfo",
		},
	}
}

// projectClaims filters an account's full claim set down to the claims
// governed by the granted scopes, plus any individually consented claim
// names from the oidc claims parameter.  The "sub" claim always survives.
func projectClaims(full Claims, grantedScopes, grantedClaims []string, mappings map[string][]string) Claims {
	out := Claims{}
	if sub, ok := full["sub"]; ok {
		out["sub"] = sub
	}
	allowed := map[string]struct{}{}
	for _, scope := range grantedScopes {
		for _, name := range mappings[scope] {
			allowed[name] = struct{}{}
		}
	}
	for _, name := range grantedClaims {
		allowed[name] = struct{}{}
	}
	for name, value := range full {
		if _, ok := allowed[name]; ok {
			out[name] = value
		}
	}
	return out
}

// supportedClaimNames flattens the mapping table for the discovery
// document.
func supportedClaimNames(mappings map[string][]string) []string {
	names := []string{"sub", "acr", "amr", "auth_time"}
	for _, claimNames := range mappings {
		names = append(names, claimNames...)
	}
	return strutils.RemoveDuplicatesStable(names, false)
}
