package op

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jiang-12196/op-rp-example/internal/strutils"
	"github.com/jiang-12196/op-rp-example/op/storage"
	jose "gopkg.in/square/go-jose.v2"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "_op_session"

// Session is a browser session at the provider.  It is created on first
// contact, bound to a cookie, authenticated on login and invalidated on
// logout or inactivity.
type Session struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id,omitempty"`
	AuthTime  int64    `json:"auth_time,omitempty"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	Remember  bool     `json:"remember,omitempty"`
}

// Authenticated reports whether a user has logged in on this session.
func (s *Session) Authenticated() bool {
	return s != nil && s.AccountID != ""
}

// SatisfiesACR reports whether the session's authentication context meets
// one of the requested acr values.  An empty request is always satisfied.
func (s *Session) SatisfiesACR(requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	return s != nil && strutils.StrListContains(requested, s.ACR)
}

// CreateSession creates a new (unauthenticated) browser session.
func (p *Provider) CreateSession(ctx context.Context) (*Session, error) {
	const op = "Provider.CreateSession"
	id, err := NewID(WithPrefix("sess"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s := &Session{ID: id}
	if err := p.putSession(ctx, s); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Session returns the live session for id, resetting its sliding TTL.
func (p *Provider) Session(ctx context.Context, id string) (*Session, error) {
	const op = "Provider.Session"
	if id == "" {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrNotFound)
	}
	raw, err := p.store.Get(ctx, storage.KindSession, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%s: unable to decode session: %w", op, err)
	}
	// Sliding window: activity extends the session.
	if err := p.putSession(ctx, &s); err != nil {
		p.logger.Warn("unable to extend session ttl", "session_id", id, "error", err)
	}
	return &s, nil
}

// AuthenticateSession records a completed login on the session.
func (p *Provider) AuthenticateSession(ctx context.Context, s *Session, login *LoginResult) error {
	const op = "Provider.AuthenticateSession"
	if s == nil {
		return fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	if login == nil || login.AccountID == "" {
		return fmt.Errorf("%s: login result has no account: %w", op, ErrInvalidParameter)
	}
	s.AccountID = login.AccountID
	s.AuthTime = login.AuthTime
	s.ACR = login.ACR
	s.AMR = login.AMR
	s.Remember = login.Remember
	if err := p.putSession(ctx, s); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// EndSession invalidates the session, logging the user out.
func (p *Provider) EndSession(ctx context.Context, id string) error {
	const op = "Provider.EndSession"
	if err := p.store.Delete(ctx, storage.KindSession, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SealSessionID produces the browser cookie value for a session id.  When
// the key store holds an integrity key the id is bound with an HMAC, so a
// tampered or fabricated cookie is rejected before it ever reaches the
// store.  Without an integrity key the bare id is used.
func (p *Provider) SealSessionID(id string) string {
	k, err := p.keys.IntegrityKey(jose.HS512)
	if err != nil {
		return id
	}
	return id + "." + base64.RawURLEncoding.EncodeToString(sessionMAC(k, id))
}

// OpenSessionID verifies a sealed cookie value and returns the session id
// it carries.  It returns ErrNotFound when the seal is missing or does not
// verify.
func (p *Provider) OpenSessionID(value string) (string, error) {
	const op = "Provider.OpenSessionID"
	k, err := p.keys.IntegrityKey(jose.HS512)
	if err != nil {
		return value, nil
	}
	id, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", fmt.Errorf("%s: cookie value is not sealed: %w", op, ErrNotFound)
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, sessionMAC(k, id)) {
		return "", fmt.Errorf("%s: cookie failed integrity check: %w", op, ErrNotFound)
	}
	return id, nil
}

func sessionMAC(k jose.JSONWebKey, id string) []byte {
	mac := hmac.New(sha512.New, k.Key.([]byte))
	mac.Write([]byte(id))
	return mac.Sum(nil)
}

func (p *Provider) putSession(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := p.config.SessionTTL
	if s.Remember {
		ttl = p.config.RememberedSessionTTL
	}
	return p.store.Put(ctx, storage.KindSession, s.ID, raw, ttl)
}
