package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visabroker/internal/platform/middleware"
)

// NewRouter wires all public endpoints. The user-access endpoint sits behind
// bearer validation; login, callback and the token grant are open by nature.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(middleware.RequestTime)

	r.Get("/login/ras", h.handleLogin)
	r.Get("/login/ras/callback", h.handleCallback)
	r.Post("/oauth2/token", h.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.validator, []string{"user"}, h.logger))
		r.Get("/user", h.handleUserAccess)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
