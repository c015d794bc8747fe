// Package middleware carries the HTTP middleware shared by the transport
// layer.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"visabroker/pkg/requestcontext"
)

// BearerValidator validates a bearer token against a set of required scopes.
// It reports failure via the auth-failure sink on the context.
type BearerValidator interface {
	ValidateBearer(ctx context.Context, token string, requiredScopes []string) bool
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": errDesc,
	})
}

// RequireAuth guards downstream handlers with bearer-token validation. The
// concrete failure reason, when one was recorded, reaches the caller in the
// error description.
func RequireAuth(validator BearerValidator, requiredScopes []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithAuthFailureSink(r.Context())

			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing bearer token")
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			if !validator.ValidateBearer(ctx, token, requiredScopes) {
				desc := requestcontext.AuthFailureReason(ctx)
				if desc == "" {
					desc = "Invalid or expired token"
				}
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", desc)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
