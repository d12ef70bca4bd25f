package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultCookieName names the cookie carrying the session id.
const DefaultCookieName = "cf_session"

// ManagerConfig controls cookie attributes.
type ManagerConfig struct {
	CookieName   string
	CookieDomain string
	TTL          time.Duration
	Secure       bool
}

// Manager maps a request cookie to a Store scoped to that caller.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	name    string
	domain  string
	ttl     time.Duration
	secure  bool
}

// NewManager constructs a cookie-backed session manager.
func NewManager(cfg ManagerConfig, backend Backend, logger *slog.Logger) *Manager {
	name := cfg.CookieName
	if name == "" {
		name = DefaultCookieName
	}
	return &Manager{
		backend: backend,
		logger:  logger,
		name:    name,
		domain:  cfg.CookieDomain,
		ttl:     cfg.TTL,
		secure:  cfg.Secure,
	}
}

// Backend exposes the underlying backend.
func (sm *Manager) Backend() Backend { return sm.backend }

// Resolve returns the caller's store, minting a session id and cookie on first contact.
func (sm *Manager) Resolve(w http.ResponseWriter, r *http.Request) *Scoped {
	if cookie, err := r.Cookie(sm.name); err == nil {
		if id, err := uuid.Parse(cookie.Value); err == nil {
			sid := id.String()
			sm.setCookie(w, sid)
			return Scope(sm.backend, sid)
		}
		sm.logger.Debug("session.cookie_rejected", "cookie", sm.name)
	}

	sid := uuid.NewString()
	sm.setCookie(w, sid)
	sm.logger.Debug("session.created")
	return Scope(sm.backend, sid)
}

// Destroy removes the caller's session data and expires the cookie.
func (sm *Manager) Destroy(ctx context.Context, w http.ResponseWriter, store *Scoped) {
	if store != nil {
		if err := sm.backend.Destroy(ctx, store.ID()); err != nil {
			sm.logger.Warn("session.destroy_failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.name,
		Value:    "",
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// setCookie issues the session cookie. SameSite=Lax is required so the cookie
// survives the top-level redirect back from the SSO server.
func (sm *Manager) setCookie(w http.ResponseWriter, sid string) {
	cookie := &http.Cookie{
		Name:     sm.name,
		Value:    sid,
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if sm.ttl > 0 {
		cookie.MaxAge = int(sm.ttl.Seconds())
	}
	http.SetCookie(w, cookie)
}
