package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ssoclient/identity"
	"ssoclient/session"
	"ssoclient/sso"
)

// Named routes, resolved with App.URL.
const (
	RouteLogin    = "sso.login"
	RouteCallback = "sso.callback"
	RouteLogout   = "sso.logout"
)

const failureIndicator = "sso_failed"

// sessionSweepInterval is how often the memory backend drops expired sessions.
var sessionSweepInterval = time.Minute

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Sessions  *session.Manager
	Engine    *sso.Engine
	Gate      *sso.Gate
	Directory *identity.MemoryDirectory
	Binder    *sso.IdentityBinder

	redis     *redis.Client
	memory    *session.MemoryBackend
	stopSweep chan struct{}
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	backend, rdb, err := newBackend(ctx, cfg.Session, logger)
	if err != nil {
		return nil, err
	}

	var client *http.Client
	if cfg.SSO.RequestTimeout > 0 {
		client = &http.Client{Timeout: cfg.SSO.RequestTimeout}
	}
	transport := sso.NewHTTPTransport(cfg.SSO.ServerBaseURL, client, logger)

	engine, err := sso.NewEngine(cfg.SSO, transport, logger)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}

	sessions := session.NewManager(session.ManagerConfig{
		CookieName:   cfg.Session.CookieName,
		CookieDomain: cfg.Server.CookieDomain,
		TTL:          cfg.Session.TTL,
		Secure:       strings.HasPrefix(cfg.Server.PublicURL, "https://"),
	}, backend, logger)

	dir := identity.NewMemoryDirectory()

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sessions:  sessions,
		Engine:    engine,
		Directory: dir,
		Binder:    sso.NewIdentityBinder(dir, cfg.SSO.IdentifierAttribute),
		redis:     rdb,
	}
	if mem, ok := backend.(*session.MemoryBackend); ok {
		app.memory = mem
		app.stopSweep = make(chan struct{})
		mem.StartSweeper(sessionSweepInterval, app.stopSweep, logger)
	}
	app.Gate = sso.NewGate(engine, func(_ http.ResponseWriter, r *http.Request) session.Store {
		return storeFromContext(r.Context())
	}, logger)

	return app, nil
}

func newBackend(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (session.Backend, *redis.Client, error) {
	switch cfg.Backend {
	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("Session backend ready", "backend", BackendRedis, "addr", cfg.Redis.Addr)
		return session.NewRedisBackend(rdb, cfg.Redis.Prefix, cfg.TTL), rdb, nil
	default:
		logger.Info("Session backend ready", "backend", BackendMemory)
		return session.NewMemoryBackend(cfg.TTL), nil, nil
	}
}

// Close releases backend connections.
func (a *App) Close() error {
	if a.stopSweep != nil {
		close(a.stopSweep)
		a.stopSweep = nil
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// URL resolves a named route to its path.
func (a *App) URL(name string) (string, bool) {
	switch name {
	case RouteLogin:
		return a.Config.SSO.LoginPath(), true
	case RouteCallback:
		return a.Config.SSO.CallbackPath(), true
	case RouteLogout:
		return a.Config.SSO.LogoutPath(), true
	default:
		return "", false
	}
}

type storeKey struct{}

// sessionMiddleware resolves the caller's credential store once per request.
func (a *App) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store := a.Sessions.Resolve(w, r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), storeKey{}, store)))
	})
}

func storeFromContext(ctx context.Context) *session.Scoped {
	store, _ := ctx.Value(storeKey{}).(*session.Scoped)
	return store
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("error") != "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = loginFailedTemplate.Execute(w, map[string]string{"LoginURL": a.Config.SSO.LoginPath()})
		return
	}

	target, err := a.Engine.BeginLogin(r.Context(), storeFromContext(r.Context()))
	if err != nil {
		a.Logger.Error("sso.login_start_failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		http.Error(w, "login unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := storeFromContext(ctx)
	q := r.URL.Query()

	user, err := a.Engine.CompleteLogin(ctx, store, q.Get("state"), q.Get("sso_token"))
	if err != nil {
		a.logCallbackFailure(r, err)
		a.redirectLoginFailed(w, r)
		return
	}

	rec, err := a.Binder.Bind(ctx, user)
	if err != nil {
		a.Logger.Error("identity.bind_failed", "error", err, "request_id", RequestIDFromContext(ctx))
		a.Engine.Logout(ctx, store)
		a.redirectLoginFailed(w, r)
		return
	}

	keys := a.Engine.Keys()
	if local, ok := rec.(interface{ LocalID() string }); ok {
		if err := store.SetAll(ctx, map[string]string{keys.LocalUser: local.LocalID()}); err != nil {
			a.Logger.Warn("identity.local_login_store_failed", "error", err)
		}
	}

	target := a.Config.SSO.DefaultRedirectPath
	if intended, ok, err := store.Consume(ctx, keys.Intended); err == nil && ok && isLocalPath(intended) {
		target = intended
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) logCallbackFailure(r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())
	var af *sso.AuthenticationFailure
	if errors.As(err, &af) {
		a.Logger.Warn("sso.callback_failed", "reason", af.Reason, "detail", af.Detail, "request_id", reqID)
		return
	}
	a.Logger.Error("sso.callback_failed", "error", err, "request_id", reqID)
}

func (a *App) redirectLoginFailed(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.Config.SSO.LoginPath()+"?error="+failureIndicator, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := storeFromContext(ctx)
	a.Engine.Logout(ctx, store)
	a.Sessions.Destroy(ctx, w, store)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user, _ := sso.UserFromContext(r.Context())
	name := user.String("name")
	if name == "" {
		name = user.String("email")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTemplate.Execute(w, map[string]string{
		"Name":      name,
		"LogoutURL": a.Config.SSO.LogoutPath(),
	})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := sso.SessionFromContext(ctx)
	localID, _, err := storeFromContext(ctx).Get(ctx, a.Engine.Keys().LocalUser)
	if err != nil {
		a.Logger.Warn("identity.local_login_read_failed", "error", err)
	}

	resp := map[string]any{
		"user":           sess.User,
		"remote_session": sess.RemoteSessionID,
		"expires_at":     sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if u, ok := a.Directory.Get(localID); ok {
		resp["local_user"] = map[string]string{
			"id":     u.ID,
			"email":  u.Email,
			"sso_id": u.SSOID,
		}
	}
	writeJSON(w, resp)
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = homeTemplate.Execute(w, map[string]string{
		"LoginURL":     a.Config.SSO.LoginPath(),
		"DashboardURL": a.Config.SSO.DefaultRedirectPath,
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "session_backend": a.Config.Session.Backend}
	if a.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Logger.Warn("healthz.redis_unreachable", "error", err)
			status["status"] = "degraded"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(status)
			return
		}
	}
	writeJSON(w, status)
}

// isLocalPath accepts same-origin absolute paths only.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var loginFailedTemplate = template.Must(template.New("loginFailed").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign-in failed</title></head>
<body>
<h1>SSO authentication failed</h1>
<p><a href="{{.LoginURL}}">Try again</a></p>
</body>
</html>`))

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Dashboard</title></head>
<body>
<h1>Welcome{{if .Name}}, {{.Name}}{{end}}</h1>
<form method="post" action="{{.LogoutURL}}"><button type="submit">Sign out</button></form>
</body>
</html>`))

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Home</title></head>
<body>
<p><a href="{{.DashboardURL}}">Dashboard</a> &middot; <a href="{{.LoginURL}}">Sign in</a></p>
</body>
</html>`))
