package middleware

import (
	"net/http"
	"time"

	"visabroker/pkg/requestcontext"
)

// RequestTime captures one timestamp at the start of the request so every
// operation in the request judges expiry and stamps grants against the same
// now.
func RequestTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
