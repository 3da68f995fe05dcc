package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Policy is a request-preprocessing rule applied in order before any
// endpoint dispatch.  A non-nil error stops the request with a 400-class
// response — explicit early return, no continuation tricks.
type Policy func(r *http.Request) error

// EnforceHTTPS rejects any request that did not arrive over TLS (directly
// or via a trusted proxy's X-Forwarded-Proto).
func EnforceHTTPS() Policy {
	return func(r *http.Request) error {
		if r.TLS != nil {
			return nil
		}
		if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			return nil
		}
		return fmt.Errorf("request must use https: %w", ErrInvalidRequest)
	}
}

// Handler mounts the provider's http surface: discovery, jwks, authorize,
// the interaction boundary for the external login/consent UI, token,
// introspection, revocation, userinfo and session end.
func Handler(p *Provider, policies ...Policy) http.Handler {
	h := &httpHandler{p: p}
	r := chi.NewRouter()
	r.Use(policyMiddleware(p, policies))

	r.Get("/.well-known/openid-configuration", h.discovery)
	r.Get("/.well-known/jwks.json", h.jwks)
	r.Get("/auth", h.authorize)
	r.Get("/auth/resume/{id}", h.resume)
	r.Get("/interaction/{id}", h.interactionDetails)
	r.Post("/interaction/{id}/login", h.interactionLogin)
	r.Post("/interaction/{id}/confirm", h.interactionConfirm)
	r.Post("/token", h.token)
	r.Post("/introspect", h.introspect)
	r.Post("/revoke", h.revoke)
	r.Get("/userinfo", h.userinfo)
	r.Post("/session/end", h.endSession)

	return r
}

func policyMiddleware(p *Provider, policies []Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, policy := range policies {
				if err := policy(r); err != nil {
					p.logger.Debug("request rejected by policy", "path", r.URL.Path, "error", err)
					writeError(w, http.StatusBadRequest, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type httpHandler struct {
	p *Provider
}

func (h *httpHandler) discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Metadata())
}

func (h *httpHandler) jwks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.keys.PublicJWKS())
}

func (h *httpHandler) authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := ParseAuthRequest(r.URL.Query())
	session := h.sessionFromRequest(r)

	res, err := h.p.Authorize(ctx, req, session)
	if err != nil {
		// The redirect_uri was never validated: render, don't redirect.
		h.p.logger.Info("authorization request rejected", "client_id", req.ClientID, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	if res.Interaction != nil {
		http.Redirect(w, r, h.p.config.InteractionURL(res.Interaction.ID), http.StatusFound)
		return
	}
	http.Redirect(w, r, res.RedirectURI, http.StatusFound)
}

func (h *httpHandler) resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := h.sessionFromRequest(r)

	res, session, err := h.p.ResumeInteraction(ctx, chi.URLParam(r, "id"), session)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if session != nil {
		h.writeSessionCookie(w, r, session)
	}
	http.Redirect(w, r, res.RedirectURI, http.StatusFound)
}

// interactionDetailsResponse is what the external UI needs to render the
// login or consent screen.
type interactionDetailsResponse struct {
	ID        string       `json:"id"`
	Reason    string       `json:"reason"`
	Params    *AuthRequest `json:"params"`
	ClientID  string       `json:"client_id"`
	ExpiresAt int64        `json:"expires_at"`
}

func (h *httpHandler) interactionDetails(w http.ResponseWriter, r *http.Request) {
	i, client, err := h.p.InteractionDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, &interactionDetailsResponse{
		ID:        i.ID,
		Reason:    i.Reason,
		Params:    i.Params,
		ClientID:  client.ID,
		ExpiresAt: i.ExpiresAt,
	})
}

// loginSubmission is the body of POST /interaction/{id}/login, from the
// external login UI.
type loginSubmission struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func (h *httpHandler) interactionLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var sub loginSubmission
	if err := decodeSubmission(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	i, _, err := h.p.InteractionDetails(ctx, id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	accountID, err := h.p.VerifyLogin(ctx, sub.Login, sub.Password)
	if err != nil {
		if errors.Is(err, ErrAccountLookupTimeout) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusUnauthorized, fmt.Errorf("login failed: %w", ErrAccessDenied))
		return
	}

	result := &InteractionResult{
		Login: &LoginResult{
			AccountID: accountID,
			ACR:       h.loginACR(i.Params),
			AMR:       []string{"pwd"},
			Remember:  sub.Remember,
			AuthTime:  h.p.now().Unix(),
		},
		Consent: &ConsentResult{Granted: true},
	}
	h.finishAndRedirect(w, r, id, result)
}

// consentSubmission is the body of POST /interaction/{id}/confirm.
type consentSubmission struct {
	RejectedScopes []string `json:"rejected_scopes"`
	Abort          bool     `json:"abort"`
}

func (h *httpHandler) interactionConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var sub consentSubmission
	if err := decodeSubmission(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := &InteractionResult{}
	if sub.Abort {
		result.Error = "access_denied"
	} else {
		result.Consent = &ConsentResult{Granted: true, RejectedScopes: sub.RejectedScopes}
	}
	h.finishAndRedirect(w, r, id, result)
}

func (h *httpHandler) finishAndRedirect(w http.ResponseWriter, r *http.Request, id string, result *InteractionResult) {
	i, err := h.p.FinishInteraction(r.Context(), id, result)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	http.Redirect(w, r, "/auth/resume/"+url.PathEscape(i.ID), http.StatusSeeOther)
}

// loginACR picks the acr asserted for a password login: the first
// requested value the provider supports, else the provider's default.
func (h *httpHandler) loginACR(req *AuthRequest) string {
	supported := h.p.config.ACRValues
	for _, requested := range req.ACRValues {
		for _, s := range supported {
			if requested == s {
				return requested
			}
		}
	}
	if len(supported) > 0 {
		return supported[0]
	}
	return ""
}

func (h *httpHandler) token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, fmt.Errorf("malformed form body: %w", ErrInvalidRequest))
		return
	}
	client, err := h.p.registry.Authenticate(r)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	var resp *TokenResponse
	switch gt := r.PostFormValue("grant_type"); gt {
	case GrantTypeAuthorizationCode:
		resp, err = h.p.RedeemCode(ctx, client,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"))
	case GrantTypeRefreshToken:
		resp, err = h.p.RefreshGrant(ctx, client,
			r.PostFormValue("refresh_token"),
			splitSpaceDelimited(r.PostFormValue("scope")))
	case GrantTypeClientCredentials:
		resp, err = h.p.ClientCredentials(ctx, client,
			splitSpaceDelimited(r.PostFormValue("scope")))
	default:
		err = fmt.Errorf("grant_type %q: %w", gt, ErrUnsupportedGrantType)
	}
	if err != nil {
		h.p.logger.Info("token request failed", "client_id", client.ID, "error", err)
		writeTokenError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, fmt.Errorf("malformed form body: %w", ErrInvalidRequest))
		return
	}
	if _, err := h.p.registry.Authenticate(r); err != nil {
		writeTokenError(w, err)
		return
	}
	resp, err := h.p.Introspect(r.Context(), r.PostFormValue("token"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, fmt.Errorf("malformed form body: %w", ErrInvalidRequest))
		return
	}
	client, err := h.p.registry.Authenticate(r)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	if err := h.p.Revoke(r.Context(), client, r.PostFormValue("token")); err != nil {
		writeError(w, http.StatusInternalServerError, ErrServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *httpHandler) userinfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token: %w", ErrInvalidRequest))
		return
	}
	claims, err := h.p.UserInfo(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrAccountLookupTimeout) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (h *httpHandler) endSession(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if id, err := h.p.OpenSessionID(cookie.Value); err == nil {
			if err := h.p.EndSession(r.Context(), id); err != nil {
				h.p.logger.Warn("unable to end session", "error", err)
			}
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *httpHandler) sessionFromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil
	}
	id, err := h.p.OpenSessionID(cookie.Value)
	if err != nil {
		return nil
	}
	s, err := h.p.Session(r.Context(), id)
	if err != nil {
		return nil
	}
	return s
}

func (h *httpHandler) writeSessionCookie(w http.ResponseWriter, r *http.Request, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    h.p.SealSessionID(s.ID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// errorResponse is the JSON error body per RFC 6749 §5.2.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, &errorResponse{
		Error:       oauthErrorCode(err),
		Description: sanitizeErrorDescription(err.Error()),
	})
}

// writeTokenError maps engine errors onto RFC 6749 token endpoint
// responses: invalid_client gets a 401 with a challenge, everything else a
// 400.  Internal state never leaks; only the stable sentinel text goes out.
func writeTokenError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, ErrInvalidClient) {
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	if errors.Is(err, ErrServerError) || errors.Is(err, ErrAccountLookupTimeout) {
		status = http.StatusInternalServerError
	}
	writeError(w, status, err)
}

// statusFor maps engine errors to http status codes for non-redirect
// responses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExpiredInteraction):
		return http.StatusGone
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrAccountLookupTimeout), errors.Is(err, ErrServerError):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// decodeSubmission accepts either a JSON body or a classic form post from
// the interaction UI.
func decodeSubmission(r *http.Request, v interface{}) error {
	const op = "op.decodeSubmission"
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return fmt.Errorf("%s: malformed json body: %w", op, ErrInvalidRequest)
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%s: malformed form body: %w", op, ErrInvalidRequest)
	}
	switch sub := v.(type) {
	case *loginSubmission:
		sub.Login = r.PostFormValue("login")
		sub.Password = r.PostFormValue("password")
		sub.Remember = r.PostFormValue("remember") != ""
	case *consentSubmission:
		sub.RejectedScopes = splitSpaceDelimited(r.PostFormValue("rejected_scopes"))
		sub.Abort = r.PostFormValue("abort") != ""
	default:
		return fmt.Errorf("%s: unsupported submission type: %w", op, ErrInvalidParameter)
	}
	return nil
}
