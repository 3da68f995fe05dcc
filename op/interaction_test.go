package op

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jiang-12196/op-rp-example/op/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testPendingInteraction(t *testing.T, p *Provider) *Interaction {
	t.Helper()
	require := require.New(t)
	client, err := p.Registry().Find("test-rp")
	require.NoError(err)
	res, err := p.Authorize(context.Background(), testAuthReq(t, client, oauth2.GenerateVerifier()), nil)
	require.NoError(err)
	require.NotNil(res.Interaction)
	return res.Interaction
}

func TestProvider_InteractionDetails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	p := TestProvider(t, nil)
	pending := testPendingInteraction(t, p)

	i, client, err := p.InteractionDetails(ctx, pending.ID)
	require.NoError(err)
	assert.Equal(pending.ID, i.ID)
	assert.Equal(InteractionLoginRequired, i.Reason)
	assert.Equal("test-rp", client.ID)
	assert.Equal("test-rp", i.Params.ClientID)
	assert.False(i.Resolved)

	_, _, err = p.InteractionDetails(ctx, "itx_unknown")
	assert.ErrorIs(err, ErrNotFound)
}

func TestProvider_FinishInteraction_OneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	p := TestProvider(t, nil)
	pending := testPendingInteraction(t, p)

	result := &InteractionResult{
		Login:   &LoginResult{AccountID: "acct-alice"},
		Consent: &ConsentResult{Granted: true},
	}
	i, err := p.FinishInteraction(ctx, pending.ID, result)
	require.NoError(err)
	require.True(i.Resolved)

	// The first resolution stands; a second attempt resolves nothing.
	_, err = p.FinishInteraction(ctx, pending.ID, &InteractionResult{Error: "access_denied"})
	require.ErrorIs(err, ErrAlreadyResolved)

	issued, _, err := p.ResumeInteraction(ctx, pending.ID, nil)
	require.NoError(err)
	_, q := parseRedirect(t, issued.RedirectURI)
	require.NotEmpty(q.Get("code"), "the first resolution must win")
}

func TestProvider_FinishInteraction_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	p := TestProvider(t, nil)
	pending := testPendingInteraction(t, p)

	const racers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := p.FinishInteraction(ctx, pending.ID, &InteractionResult{
				Login:   &LoginResult{AccountID: "acct-alice"},
				Consent: &ConsentResult{Granted: true},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(1, wins, "exactly one concurrent finish must succeed")
}

func TestProvider_ResumeInteraction_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unresolved-cannot-resume", func(t *testing.T) {
		require := require.New(t)
		p := TestProvider(t, nil)
		pending := testPendingInteraction(t, p)

		_, _, err := p.ResumeInteraction(ctx, pending.ID, nil)
		require.ErrorIs(err, ErrInvalidRequest)

		// The pending record survives the failed resume for the UI.
		_, _, err = p.InteractionDetails(ctx, pending.ID)
		require.NoError(err)
	})

	t.Run("resume-consumes", func(t *testing.T) {
		require := require.New(t)
		p := TestProvider(t, nil)
		pending := testPendingInteraction(t, p)
		_, err := p.FinishInteraction(ctx, pending.ID, &InteractionResult{
			Login:   &LoginResult{AccountID: "acct-alice"},
			Consent: &ConsentResult{Granted: true},
		})
		require.NoError(err)

		_, _, err = p.ResumeInteraction(ctx, pending.ID, nil)
		require.NoError(err)

		_, _, err = p.ResumeInteraction(ctx, pending.ID, nil)
		require.ErrorIs(err, ErrNotFound)
	})

	t.Run("unknown-id", func(t *testing.T) {
		p := TestProvider(t, nil)
		_, _, err := p.ResumeInteraction(ctx, "itx_unknown", nil)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestProvider_Interaction_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)

	now := time.Now()
	current := now
	clients := []*Client{TestClient(t, "test-rp")}
	registry, err := NewRegistry(clients)
	require.NoError(err)
	p, err := NewProvider(
		&Config{Issuer: "http://localhost:9999"},
		TestKeyStore(t),
		registry,
		storage.NewMemory(),
		TestAccountReader(t),
		WithNow(func() time.Time { return current }),
	)
	require.NoError(err)
	t.Cleanup(p.Done)

	pending := testPendingInteraction(t, p)

	// Step the provider clock past the interaction window; the store keeps
	// the record (its own clock is real), so only the engine's expiry check
	// can reject it.
	current = now.Add(DefaultInteractionTTL + time.Minute)

	_, err = p.FinishInteraction(ctx, pending.ID, &InteractionResult{
		Login:   &LoginResult{AccountID: "acct-alice"},
		Consent: &ConsentResult{Granted: true},
	})
	require.ErrorIs(err, ErrExpiredInteraction)
}
