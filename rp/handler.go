package rp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// Handler mounts the demo relying party surface: a login entry point that
// starts a flow and a callback that completes it and shows the outcome.
func Handler(p *Provider, logger hclog.Logger) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	h := &httpHandler{p: p, logger: logger}
	r := chi.NewRouter()
	r.Get("/", h.home)
	r.Get("/login", h.login)
	r.Get("/callback", h.callback)
	return r
}

type httpHandler struct {
	p      *Provider
	logger hclog.Logger
}

func (h *httpHandler) home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><h1>Relying Party Demo</h1><p><a href="/login">Sign in</a></p></body></html>`)
}

func (h *httpHandler) login(w http.ResponseWriter, r *http.Request) {
	req, err := NewRequest(DefaultRequestTTL)
	if err != nil {
		h.logger.Error("unable to create flow request", "error", err)
		http.Error(w, "unable to start sign-in", http.StatusInternalServerError)
		return
	}
	authURL, err := h.p.AuthURL(r.Context(), req)
	if err != nil {
		h.logger.Error("unable to build auth url", "error", err)
		http.Error(w, "unable to start sign-in", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// flowOutcome is what the callback renders on success: enough to see the
// whole flow worked, without ever echoing raw credentials back in logs.
type flowOutcome struct {
	IDClaims        map[string]interface{} `json:"id_token_claims"`
	UserInfo        map[string]interface{} `json:"userinfo"`
	TokenType       string                 `json:"token_type"`
	AccessExpiry    time.Time              `json:"access_token_expiry"`
	HasRefreshToken bool                   `json:"has_refresh_token"`
}

func (h *httpHandler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("authorization response error",
			"error", errCode, "description", q.Get("error_description"))
		http.Error(w,
			fmt.Sprintf("%s: %s (%s)", ErrResponseError, errCode, q.Get("error_description")),
			http.StatusUnauthorized)
		return
	}

	token, err := h.p.Exchange(ctx, q.Get("state"), q.Get("code"))
	if err != nil {
		h.logger.Error("code exchange failed", "error", err)
		http.Error(w, "sign-in failed", http.StatusUnauthorized)
		return
	}

	outcome := &flowOutcome{
		IDClaims:        token.IDClaims,
		TokenType:       token.Oauth2.TokenType,
		AccessExpiry:    token.Oauth2.Expiry,
		HasRefreshToken: token.Oauth2.RefreshToken != "",
	}
	var userinfo map[string]interface{}
	if err := h.p.UserInfo(ctx, oauth2.StaticTokenSource(token.Oauth2), &userinfo); err != nil {
		// Userinfo is best effort for the demo page; the id_token already
		// proved the flow.
		h.logger.Warn("userinfo request failed", "error", err)
	} else {
		outcome.UserInfo = userinfo
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		h.logger.Error("unable to render outcome", "error", err)
	}
}
