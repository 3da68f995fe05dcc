package op

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"

	"github.com/jiang-12196/op-rp-example/op/storage"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
)

// TestRSAKey will generate a test RSA signing key as a private jose JWK.
func TestRSAKey(t *testing.T) jose.JSONWebKey {
	t.Helper()
	require := require.New(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	return jose.JSONWebKey{
		Key:       priv,
		Use:       "sig",
		Algorithm: string(jose.RS256),
	}
}

// TestECKey will generate a test ECDSA P-256 signing key as a private jose
// JWK.
func TestECKey(t *testing.T) jose.JSONWebKey {
	t.Helper()
	require := require.New(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	return jose.JSONWebKey{
		Key:       priv,
		Use:       "sig",
		Algorithm: string(jose.ES256),
	}
}

// TestEncryptionKey will generate a test RSA key pair for id_token
// encryption, returning the provider-side public key and the client-side
// private key.
func TestEncryptionKey(t *testing.T) (pub, priv jose.JSONWebKey) {
	t.Helper()
	require := require.New(t)
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	priv = jose.JSONWebKey{Key: k, Use: "enc", Algorithm: string(jose.RSA_OAEP), KeyID: "test-enc"}
	pub = jose.JSONWebKey{Key: &k.PublicKey, Use: "enc", Algorithm: string(jose.RSA_OAEP), KeyID: "test-enc"}
	return pub, priv
}

// TestKeyStore will build a key store holding a fresh RSA signing key.
func TestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	require := require.New(t)
	ks, err := NewKeyStore([]jose.JSONWebKey{TestRSAKey(t)})
	require.NoError(err)
	return ks
}

// TestClient will build a confidential test client.  The secret is always
// "fido-secret" and PKCE is required, which is what most tests want.
func TestClient(t *testing.T, id string, redirectURIs ...string) *Client {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"http://localhost:8080/cb"}
	}
	return &Client{
		ID:           id,
		Secret:       "fido-secret",
		RedirectURIs: redirectURIs,
		RequirePKCE:  true,
	}
}

// TestAccounts is an in-memory AccountReader for tests.  Passwords map
// login → password; claims map account id → claim set.
type TestAccounts struct {
	Passwords map[string][2]string // login → {accountID, password}
	Claims    map[string]Claims
}

// TestAccountReader will build a single-account reader: login "alice",
// password "opensesame", account id "acct-alice".
func TestAccountReader(t *testing.T) *TestAccounts {
	t.Helper()
	return &TestAccounts{
		Passwords: map[string][2]string{
			"alice": {"acct-alice", "opensesame"},
		},
		Claims: map[string]Claims{
			"acct-alice": {
				"sub":            "acct-alice",
				"email":          "alice@example.com",
				"email_verified": true,
				"name":           "Alice Doe",
				"given_name":     "Alice",
				"family_name":    "Doe",
			},
		},
	}
}

// FindByID implements AccountReader.
func (a *TestAccounts) FindByID(ctx context.Context, id string) (Claims, error) {
	if c, ok := a.Claims[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("account %q: %w", id, ErrNotFound)
}

// FindByLogin implements AccountReader.
func (a *TestAccounts) FindByLogin(ctx context.Context, login, password string) (string, error) {
	cred, ok := a.Passwords[login]
	if !ok || cred[1] != password {
		return "", fmt.Errorf("invalid credentials: %w", ErrAccessDenied)
	}
	return cred[0], nil
}

// TestProvider will build a provider over an in-memory store with a fresh
// signing key, the given clients (a default confidential client when none
// are given) and a single test account.  The provider's background sweep is
// disabled; call the returned provider's Done when finished.
func TestProvider(t *testing.T, clients []*Client, opt ...Option) *Provider {
	t.Helper()
	require := require.New(t)
	if len(clients) == 0 {
		clients = []*Client{TestClient(t, "test-rp")}
	}
	registry, err := NewRegistry(clients)
	require.NoError(err)

	p, err := NewProvider(
		&Config{
			Issuer: "http://localhost:9999",
		},
		TestKeyStore(t),
		registry,
		storage.NewMemory(),
		TestAccountReader(t),
		opt...,
	)
	require.NoError(err)
	t.Cleanup(p.Done)
	return p
}
