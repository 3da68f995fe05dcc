package op

import (
	"context"
	"strings"
	"testing"

	"github.com/jiang-12196/op-rp-example/op/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
)

// testSealedProvider builds a provider whose key store carries an HS512
// integrity key, so session cookies are sealed.
func testSealedProvider(t *testing.T) *Provider {
	t.Helper()
	require := require.New(t)
	hmacKey := jose.JSONWebKey{
		Key:       []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"),
		Algorithm: "HS512",
	}
	ks, err := NewKeyStore([]jose.JSONWebKey{TestRSAKey(t), hmacKey})
	require.NoError(err)
	registry, err := NewRegistry([]*Client{TestClient(t, "test-rp")})
	require.NoError(err)
	p, err := NewProvider(
		&Config{Issuer: "http://localhost:9999"},
		ks,
		registry,
		storage.NewMemory(),
		TestAccountReader(t),
	)
	require.NoError(err)
	t.Cleanup(p.Done)
	return p
}

func TestProvider_SealSessionID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p := testSealedProvider(t)

		s, err := p.CreateSession(ctx)
		require.NoError(err)

		sealed := p.SealSessionID(s.ID)
		assert.NotEqual(s.ID, sealed)

		id, err := p.OpenSessionID(sealed)
		require.NoError(err)
		assert.Equal(s.ID, id)
	})

	t.Run("tampered-seal", func(t *testing.T) {
		require := require.New(t)
		p := testSealedProvider(t)

		sealed := p.SealSessionID("sess_victim")
		_, sig, ok := strings.Cut(sealed, ".")
		require.True(ok)
		_, err := p.OpenSessionID("sess_other." + sig)
		require.ErrorIs(err, ErrNotFound)
	})

	t.Run("bare-id-rejected-when-sealing", func(t *testing.T) {
		require := require.New(t)
		p := testSealedProvider(t)

		_, err := p.OpenSessionID("sess_forged")
		require.ErrorIs(err, ErrNotFound)
	})

	t.Run("passthrough-without-integrity-key", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p := TestProvider(t, nil)

		assert.Equal("sess_abc", p.SealSessionID("sess_abc"))
		id, err := p.OpenSessionID("sess_abc")
		require.NoError(err)
		assert.Equal("sess_abc", id)
	})
}
