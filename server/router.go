package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the SSO endpoints and the protected pages.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/", a.handleHome)

	cfg := a.Config.SSO
	r.Group(func(r chi.Router) {
		r.Use(a.sessionMiddleware)

		r.Get(cfg.LoginPath(), a.handleLogin)
		r.Get(cfg.CallbackPath(), a.handleCallback)
		r.Post(cfg.LogoutPath(), a.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(a.Gate.Middleware)
			r.Use(annotateSession(cfg.IdentifierAttribute))

			r.Get("/me", a.handleMe)
			if p := cfg.DefaultRedirectPath; p != "/" && p != "/me" {
				r.Get(p, a.handleDashboard)
			}
		})
	})

	return r
}
