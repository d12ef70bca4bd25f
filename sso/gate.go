package sso

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"ssoclient/session"
)

// StoreResolver returns the credential store of the request's caller.
type StoreResolver func(w http.ResponseWriter, r *http.Request) session.Store

// Gate guards protected handlers: it redirects unauthenticated callers into the
// login flow and refreshes credentials that are close to expiry.
type Gate struct {
	engine  *Engine
	resolve StoreResolver
	logger  *slog.Logger
	group   singleflight.Group
}

// NewGate builds a gate around engine.
func NewGate(engine *Engine, resolve StoreResolver, logger *slog.Logger) *Gate {
	return &Gate{engine: engine, resolve: resolve, logger: logger}
}

// Middleware wraps next with the session check.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := g.engine.Config()
		if r.URL.Path == cfg.CallbackPath() {
			next.ServeHTTP(w, r)
			return
		}

		store := g.resolve(w, r)
		sess, err := g.engine.Session(r.Context(), store)
		if err != nil {
			g.logger.Error("sso.session_load_failed", "error", err)
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		if !sess.Authenticated() {
			g.redirectToLogin(w, r, store)
			return
		}

		if cfg.AutoRefresh && sess.RefreshDue(g.engine.now(), cfg.RefreshThreshold()) {
			sess, err = g.refresh(r.Context(), store, sess)
			if err != nil {
				var tf *TokenFailure
				if errors.As(err, &tf) {
					g.logger.Warn("sso.refresh_failed", "reason", tf.Reason, "detail", tf.Detail)
					g.engine.clearCredentials(r.Context(), store)
				} else {
					g.logger.Error("sso.refresh_failed", "error", err)
				}
				g.redirectToLogin(w, r, store)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// refresh collapses concurrent refreshes of the same token into one remote call.
// The shared call is detached from any single request's cancellation.
func (g *Gate) refresh(ctx context.Context, store session.Store, sess AuthSession) (AuthSession, error) {
	_, err, _ := g.group.Do(sess.RefreshToken, func() (any, error) {
		return g.engine.Refresh(context.WithoutCancel(ctx), store, sess.RefreshToken)
	})
	if err != nil {
		return AuthSession{}, err
	}
	fresh, err := g.engine.Session(ctx, store)
	if err != nil {
		return AuthSession{}, err
	}
	if !fresh.Authenticated() {
		return AuthSession{}, &TokenFailure{Reason: ReasonMissingToken, Detail: "credentials cleared during refresh"}
	}
	return fresh, nil
}

func (g *Gate) redirectToLogin(w http.ResponseWriter, r *http.Request, store session.Store) {
	if r.Method == http.MethodGet {
		if err := store.SetAll(r.Context(), map[string]string{g.engine.keys.Intended: r.URL.RequestURI()}); err != nil {
			g.logger.Warn("sso.intended_store_failed", "error", err)
		}
	}
	target, err := g.engine.BeginLogin(r.Context(), store)
	if err != nil {
		g.logger.Error("sso.login_start_failed", "error", err)
		http.Error(w, "login unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
