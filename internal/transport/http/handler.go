// Package httptransport is the thin HTTP layer. Handlers delegate to domain
// services and keep transport concerns isolated.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"visabroker/internal/access"
	"visabroker/internal/auth/token"
	"visabroker/internal/auth/validator"
	"visabroker/internal/ga4gh"
	"visabroker/internal/idp"
	"visabroker/internal/storage"
	"visabroker/internal/visasync"
	dErrors "visabroker/pkg/domain-errors"
	"visabroker/pkg/platform/sentinel"
	"visabroker/pkg/requestcontext"
)

// defaultScopes are granted to locally issued tokens after a federated
// login.
var defaultScopes = []string{"openid", "user", "ga4gh_passport_v1"}

// Provider extends the identity-provider capability set with refresh-token
// persistence, needed at login-callback time.
type Provider interface {
	idp.Provider
	StoreRefreshToken(ctx context.Context, userID int64, tok *oauth2.Token) error
}

// Handler serves the login, callback and token endpoints.
type Handler struct {
	logger    *slog.Logger
	provider  Provider
	users     storage.UserStore
	visas     storage.VisaStore
	clients   storage.ClientStore
	engine    *visasync.Engine
	cache     *ga4gh.KeyCache
	syncer    access.Syncer
	tokens    *token.Service
	validator *validator.Validator

	parseConsentCode bool
	accessTTL        time.Duration
	refreshTTL       time.Duration
}

func NewHandler(
	logger *slog.Logger,
	provider Provider,
	users storage.UserStore,
	visas storage.VisaStore,
	clients storage.ClientStore,
	engine *visasync.Engine,
	cache *ga4gh.KeyCache,
	syncer access.Syncer,
	tokens *token.Service,
	v *validator.Validator,
	parseConsentCode bool,
) *Handler {
	return &Handler{
		logger:           logger,
		provider:         provider,
		users:            users,
		visas:            visas,
		clients:          clients,
		engine:           engine,
		cache:            cache,
		syncer:           syncer,
		tokens:           tokens,
		validator:        v,
		parseConsentCode: parseConsentCode,
		accessTTL:        20 * time.Minute,
		refreshTTL:       30 * 24 * time.Hour,
	}
}

// handleLogin redirects the browser to the provider's authorization
// endpoint.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	url, err := h.provider.AuthURL(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "could not build authorization URL", "provider", h.provider.Name(), "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unavailable"))
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleCallback completes a federated login: code exchange, user
// find-or-create, upstream refresh-token persistence, visa sync, access
// mapping, grant propagation, and finally local token issuance.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "missing authorization code"))
		return
	}

	login, err := h.provider.ExchangeCode(ctx, code)
	if err != nil {
		h.logger.ErrorContext(ctx, "code exchange failed", "provider", h.provider.Name(), "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeUnauthorized, "login failed"))
		return
	}

	user, err := h.findOrCreateUser(ctx, login)
	if err != nil {
		h.logger.ErrorContext(ctx, "could not persist user", "username", login.Username, "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "login failed"))
		return
	}

	if login.Token != nil && login.Token.RefreshToken != "" {
		if err := h.provider.StoreRefreshToken(ctx, user.ID, login.Token); err != nil {
			h.logger.ErrorContext(ctx, "could not store upstream refresh token", "username", user.Username, "error", err)
		}
	}

	// Visa sync failure does not block login; the user simply carries no
	// visas until the next successful sync.
	if err := h.engine.SyncUserVisas(ctx, user, h.cache); err != nil {
		h.logger.ErrorContext(ctx, "visa sync during login failed", "username", user.Username, "error", err)
	}

	if err := h.recomputeAccess(ctx, user); err != nil {
		h.logger.ErrorContext(ctx, "access propagation failed", "username", user.Username, "error", err)
	}

	h.issueTokens(ctx, w, user.Username, defaultScopes)
}

// handleToken implements the refresh grant: presenting a valid refresh token
// yields a new access token carrying the original scopes.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := requestcontext.WithAuthFailureSink(r.Context())

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if grantType := r.PostFormValue("grant_type"); grantType != "refresh_token" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "only refresh_token is supported")
		return
	}
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	if !h.validator.ValidateRefresh(ctx, refreshToken) {
		desc := requestcontext.AuthFailureReason(ctx)
		if desc == "" {
			desc = "invalid refresh token"
		}
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", desc)
		return
	}

	scopes, err := h.validator.GetOriginalScopes(refreshToken)
	if err != nil {
		h.logger.WarnContext(ctx, "could not recover original scopes", "error", err)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "refresh token carries no scopes")
		return
	}
	if requested := strings.Fields(r.PostFormValue("scope")); len(requested) > 0 {
		narrowed, ok := narrowScopes(scopes, requested)
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_scope", "requested scope exceeds original grant")
			return
		}
		scopes = narrowed
	}

	if clientID := r.PostFormValue("client_id"); clientID != "" {
		client, err := h.clients.FindClientByID(ctx, clientID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
				return
			}
			h.logger.ErrorContext(ctx, "client lookup failed", "client_id", clientID, "error", err)
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "client lookup failed")
			return
		}
		if !scopesAllowed(scopes, client.Scopes) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_scope", "scope not allowed for client")
			return
		}
	}

	subject, err := subjectOf(refreshToken)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_grant", "refresh token carries no subject")
		return
	}

	accessToken, err := h.tokens.IssueAccessToken(subject, scopes, h.accessTTL)
	if err != nil {
		h.logger.ErrorContext(ctx, "token issuance failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(h.accessTTL.Seconds()),
		"scope":        strings.Join(scopes, " "),
	})
}

// handleUserAccess reports the caller's current project access, recomputed
// from the stored visa set.
func (h *Handler) handleUserAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bearer, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	username, err := subjectOf(bearer)
	if err != nil || username == "" {
		writeError(w, dErrors.New(dErrors.CodeUnauthorized, "token carries no subject"))
		return
	}

	user, err := h.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			writeError(w, dErrors.New(dErrors.CodeNotFound, "unknown user"))
			return
		}
		h.logger.ErrorContext(ctx, "user lookup failed", "username", username, "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "user lookup failed"))
		return
	}

	visas, err := h.visas.ListByUser(ctx, user.ID)
	if err != nil {
		h.logger.ErrorContext(ctx, "visa lookup failed", "username", username, "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "visa lookup failed"))
		return
	}

	now := requestcontext.Now(ctx)
	result := access.MapVisas(user, visas, now, h.parseConsentCode)
	if result.ExpiredSeen {
		// Expired or undecodable stored visa: the whole set is cleared, the
		// same fail-closed reaction as a failed sync.
		if err := h.visas.DeleteByUser(ctx, user.ID); err != nil {
			h.logger.ErrorContext(ctx, "could not clear expired visa set", "username", username, "error", err)
		}
	}

	grant := access.NewGrant(user.Username, result, now)
	writeJSON(w, http.StatusOK, grant)
}

func (h *Handler) findOrCreateUser(ctx context.Context, login *idp.Login) (*storage.User, error) {
	user, err := h.users.FindByUsername(ctx, login.Username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}
	user = &storage.User{
		Username: login.Username,
		Email:    login.Email,
	}
	if err := h.users.Save(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// recomputeAccess maps the user's freshly synced visas and hands the grant
// to the downstream synchronizer.
func (h *Handler) recomputeAccess(ctx context.Context, user *storage.User) error {
	visas, err := h.visas.ListByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	result := access.MapVisas(user, visas, now, h.parseConsentCode)
	if result.ExpiredSeen {
		if err := h.visas.DeleteByUser(ctx, user.ID); err != nil {
			h.logger.ErrorContext(ctx, "could not clear expired visa set", "username", user.Username, "error", err)
		}
	}
	return h.syncer.SyncAccess(ctx, access.NewGrant(user.Username, result, now))
}

func (h *Handler) issueTokens(ctx context.Context, w http.ResponseWriter, username string, scopes []string) {
	accessToken, err := h.tokens.IssueAccessToken(username, scopes, h.accessTTL)
	if err != nil {
		h.logger.ErrorContext(ctx, "token issuance failed", "username", username, "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "token issuance failed"))
		return
	}
	refreshToken, _, err := h.tokens.IssueRefreshToken(username, scopes, h.refreshTTL)
	if err != nil {
		h.logger.ErrorContext(ctx, "token issuance failed", "username", username, "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "token issuance failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(h.accessTTL.Seconds()),
		"scope":         strings.Join(scopes, " "),
	})
}

// subjectOf reads the sub claim without signature verification. Only called
// on tokens already verified on this request path.
func subjectOf(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// narrowScopes filters the original scopes down to the requested subset.
// Requesting a scope outside the original grant fails.
func narrowScopes(original, requested []string) ([]string, bool) {
	held := make(map[string]bool, len(original))
	for _, s := range original {
		held[s] = true
	}
	narrowed := make([]string, 0, len(requested))
	for _, s := range requested {
		if !held[s] {
			return nil, false
		}
		narrowed = append(narrowed, s)
	}
	return narrowed, true
}

func scopesAllowed(scopes, allowed []string) bool {
	permitted := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		permitted[s] = true
	}
	for _, s := range scopes {
		if !permitted[s] {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOAuthError(w http.ResponseWriter, status int, errCode, errDesc string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": errDesc,
	})
}

// writeError centralizes domain error translation to HTTP responses so all
// handlers share one JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := dErrors.CodeOf(err)
	switch code {
	case dErrors.CodeBadRequest:
		status = http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		status = http.StatusUnauthorized
	case dErrors.CodeForbidden:
		status = http.StatusForbidden
	case dErrors.CodeNotFound:
		status = http.StatusNotFound
	case dErrors.CodeConflict:
		status = http.StatusConflict
	case dErrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": string(code)})
}
