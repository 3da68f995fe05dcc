package op

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	jose "gopkg.in/square/go-jose.v2"
)

// KeyUse declares what a key in the KeyStore may be used for.
type KeyUse string

const (
	// UseSignature keys sign issued tokens (JWS).
	UseSignature KeyUse = "sig"

	// UseEncryption keys are advertised in the published JWKS so clients
	// can encrypt to the provider.
	UseEncryption KeyUse = "enc"
)

// KeyStore holds the provider's asymmetric signing/encryption keys and
// symmetric integrity keys.  Keys are ordered: the newest key for a use
// comes first and is selected for new signatures, while every entry remains
// advertised for verification, which is what makes rotation possible.
//
// Private material never leaves the store; PublicJWKS returns only public
// components and omits symmetric keys entirely.
type KeyStore struct {
	sig       []jose.JSONWebKey
	enc       []jose.JSONWebKey
	integrity []jose.JSONWebKey
}

// NewKeyStore creates a KeyStore from a set of private JWKs.  Keys are
// partitioned by their "use" header; symmetric (oct) keys are treated as
// integrity keys.  Each key without a kid is assigned its RFC 7638
// thumbprint.
func NewKeyStore(keys []jose.JSONWebKey) (*KeyStore, error) {
	const op = "op.NewKeyStore"
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: no keys provided: %w", op, ErrInvalidParameter)
	}
	ks := &KeyStore{}
	for i, k := range keys {
		// jose's Valid() rejects all []byte keys, so symmetric material gets
		// its own check.
		if sym, ok := k.Key.([]byte); ok {
			if len(sym) == 0 {
				return nil, fmt.Errorf("%s: key %d is empty: %w", op, i, ErrInvalidParameter)
			}
		} else if !k.Valid() {
			return nil, fmt.Errorf("%s: key %d is invalid: %w", op, i, ErrInvalidParameter)
		}
		if k.KeyID == "" {
			tp, err := keyThumbprint(k)
			if err != nil {
				return nil, fmt.Errorf("%s: unable to compute thumbprint for key %d: %w", op, i, err)
			}
			k.KeyID = base64.RawURLEncoding.EncodeToString(tp)
		}
		if _, ok := k.Key.([]byte); ok {
			ks.integrity = append(ks.integrity, k)
			continue
		}
		switch KeyUse(k.Use) {
		case UseEncryption:
			ks.enc = append(ks.enc, k)
		default:
			ks.sig = append(ks.sig, k)
		}
	}
	return ks, nil
}

// keyThumbprint computes the RFC 7638 thumbprint.  jose implements it for
// asymmetric keys only, so the oct form is built here from its required
// members.
func keyThumbprint(k jose.JSONWebKey) ([]byte, error) {
	if sym, ok := k.Key.([]byte); ok {
		input := fmt.Sprintf(`{"k":%q,"kty":"oct"}`, base64.RawURLEncoding.EncodeToString(sym))
		sum := sha256.Sum256([]byte(input))
		return sum[:], nil
	}
	return k.Thumbprint(crypto.SHA256)
}

// ParseJWKS creates a KeyStore from the raw JSON of a private JWK Set.
func ParseJWKS(raw []byte) (*KeyStore, error) {
	const op = "op.ParseJWKS"
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%s: unable to parse jwks: %w", op, err)
	}
	ks, err := NewKeyStore(set.Keys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ks, nil
}

// SigningKey selects the first (newest) signing key able to produce the
// requested algorithm.  It returns ErrNoMatchingKey when the store holds no
// suitable key; callers must treat that as a fatal configuration error.
func (ks *KeyStore) SigningKey(alg jose.SignatureAlgorithm) (jose.JSONWebKey, error) {
	const op = "KeyStore.SigningKey"
	for _, k := range ks.sig {
		if keySupportsAlg(k, string(alg)) {
			return k, nil
		}
	}
	for _, k := range ks.integrity {
		if keySupportsAlg(k, string(alg)) {
			return k, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%s: no key for alg %q: %w", op, alg, ErrNoMatchingKey)
}

// IntegrityKey selects a symmetric key for the requested HMAC algorithm.
func (ks *KeyStore) IntegrityKey(alg jose.SignatureAlgorithm) (jose.JSONWebKey, error) {
	const op = "KeyStore.IntegrityKey"
	for _, k := range ks.integrity {
		if keySupportsAlg(k, string(alg)) {
			return k, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%s: no key for alg %q: %w", op, alg, ErrNoMatchingKey)
}

// PublicJWKS returns the published key set: public components of every
// asymmetric key, newest first.  Symmetric keys are never included.
func (ks *KeyStore) PublicJWKS() *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{}
	for _, k := range ks.sig {
		set.Keys = append(set.Keys, k.Public())
	}
	for _, k := range ks.enc {
		set.Keys = append(set.Keys, k.Public())
	}
	return set
}

// Validate verifies the store can satisfy every required signing algorithm.
// It accumulates all problems so a misconfigured deployment reports the
// complete picture before aborting startup.
func (ks *KeyStore) Validate(required ...jose.SignatureAlgorithm) error {
	const op = "KeyStore.Validate"
	var result *multierror.Error
	if len(ks.sig) == 0 {
		result = multierror.Append(result, fmt.Errorf("%s: no signing keys configured: %w", op, ErrNoMatchingKey))
	}
	for _, alg := range required {
		if _, err := ks.SigningKey(alg); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: required alg %q: %w", op, alg, ErrNoMatchingKey))
		}
	}
	return result.ErrorOrNil()
}

// keySupportsAlg reports whether the key can be used with the given JWS/JWE
// algorithm.  A key carrying an explicit "alg" only matches that algorithm;
// otherwise compatibility is derived from the key material.
func keySupportsAlg(k jose.JSONWebKey, alg string) bool {
	if k.Algorithm != "" {
		return k.Algorithm == alg
	}
	switch key := k.Key.(type) {
	case *rsa.PrivateKey, *rsa.PublicKey:
		switch alg {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
			string(jose.RSA_OAEP), string(jose.RSA_OAEP_256), string(jose.RSA1_5):
			return true
		}
	case *ecdsa.PrivateKey:
		return ecCurveAlg(key.Curve) == alg
	case *ecdsa.PublicKey:
		return ecCurveAlg(key.Curve) == alg
	case []byte:
		switch alg {
		case "HS256", "HS384", "HS512":
			return true
		}
	}
	return false
}

func ecCurveAlg(curve elliptic.Curve) string {
	switch curve {
	case elliptic.P256():
		return "ES256"
	case elliptic.P384():
		return "ES384"
	case elliptic.P521():
		return "ES512"
	}
	return ""
}
