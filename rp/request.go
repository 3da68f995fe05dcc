package rp

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/oauth2"
)

// DefaultRequestTTL is how long a user has to complete the flow once the
// relying party has redirected them to the provider.
const DefaultRequestTTL = 10 * time.Minute

// Request is the relying party side record of one in-flight authorization
// code flow: the state used to correlate the callback, the nonce bound
// into the id_token and the PKCE verifier for the exchange.
type Request struct {
	// State is the opaque value round-tripped through the provider.
	State string

	// Nonce must appear in the id_token issued for this flow.
	Nonce string

	// Verifier is the PKCE code verifier; its S256 challenge went out with
	// the authorization request.
	Verifier string

	expiresAt time.Time
	nowFunc   func() time.Time
}

// NewRequest assembles a fresh flow request with a random state, nonce and
// PKCE verifier.  Supported options: WithRPNow (for tests).
func NewRequest(ttl time.Duration, opt ...Option) (*Request, error) {
	const op = "rp.NewRequest"
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	opts := getRequestOpts(opt...)
	now := time.Now
	if opts.withNowFunc != nil {
		now = opts.withNowFunc
	}
	state, err := randomToken(20)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce, err := randomToken(20)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	return &Request{
		State:     state,
		Nonce:     nonce,
		Verifier:  oauth2.GenerateVerifier(),
		expiresAt: now().Add(ttl),
		nowFunc:   now,
	}, nil
}

// IsExpired reports whether the request's lifetime has passed.
func (r *Request) IsExpired() bool {
	now := time.Now
	if r.nowFunc != nil {
		now = r.nowFunc
	}
	return !r.expiresAt.After(now())
}

func randomToken(n int) (string, error) {
	b, err := uuid.GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// requestCache holds pending flow requests keyed by state.  Take removes
// the request it returns, so a state can only ever complete one callback.
type requestCache struct {
	mu      sync.Mutex
	pending map[string]*Request
}

func newRequestCache() *requestCache {
	return &requestCache{pending: make(map[string]*Request)}
}

func (c *requestCache) Add(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[r.State] = r
}

// Take returns and removes the pending request for state.  A second Take
// for the same state fails with ErrUnknownState.
func (c *requestCache) Take(state string) (*Request, error) {
	const op = "rp.(requestCache).Take"
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.pending[state]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownState)
	}
	delete(c.pending, state)
	if r.IsExpired() {
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredRequest)
	}
	return r, nil
}

// sweep drops expired requests; called opportunistically from Add paths.
func (c *requestCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for state, r := range c.pending {
		if r.IsExpired() {
			delete(c.pending, state)
		}
	}
}
