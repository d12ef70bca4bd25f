package sso

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"ssoclient/session"
)

const nonceBytes = 32

// Engine runs the login, callback, refresh and logout steps against a caller's
// credential store. One Engine is shared by all requests.
type Engine struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	keys      Keys
	now       func() time.Time
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config, transport Transport, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		keys:      NewKeys(cfg.SessionKey),
		now:       time.Now,
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Keys returns the credential store keys.
func (e *Engine) Keys() Keys { return e.keys }

// BeginLogin stores a fresh state nonce, replacing any pending one, and returns the
// SSO server initiate URL. No remote call is made.
func (e *Engine) BeginLogin(ctx context.Context, store session.Store) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	if err := store.SetAll(ctx, map[string]string{e.keys.State: nonce}); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	e.logger.Debug("sso.login_started", "state_prefix", nonce[:8])
	return e.LoginURL(nonce), nil
}

// LoginURL builds the initiate URL for state.
func (e *Engine) LoginURL(state string) string {
	q := url.Values{}
	q.Set("app_id", e.cfg.AppID)
	q.Set("redirect_uri", e.cfg.RedirectURI)
	q.Set("state", state)
	return e.cfg.serverURL(InitiatePath) + "?" + q.Encode()
}

// CompleteLogin validates the callback state, verifies the one-time token with the
// server and stores the resulting credentials. Failures are *AuthenticationFailure.
func (e *Engine) CompleteLogin(ctx context.Context, store session.Store, state, ssoToken string) (UserPayload, error) {
	stored, ok, err := store.Consume(ctx, e.keys.State)
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if !ok || state == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(state)) != 1 {
		e.clearCredentials(ctx, store)
		return nil, &AuthenticationFailure{Reason: ReasonInvalidState, Detail: "Invalid state parameter"}
	}

	callCtx, cancel := e.withTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	resp, err := e.transport.Verify(callCtx, VerifyRequest{
		SSOToken:  ssoToken,
		AppID:     e.cfg.AppID,
		AppSecret: e.cfg.AppSecret,
	})
	if err != nil {
		e.clearCredentials(ctx, store)
		reason, detail := classify(err)
		return nil, &AuthenticationFailure{Reason: reason, Detail: detail, Err: err}
	}
	if field := resp.missingField(); field != "" {
		e.clearCredentials(ctx, store)
		return nil, &AuthenticationFailure{Reason: ReasonMalformedResponse, Detail: "missing " + field}
	}

	if err := e.storeCredentials(ctx, store, resp); err != nil {
		return nil, &AuthenticationFailure{Reason: ReasonTransportError, Detail: "store credentials", Err: err}
	}
	e.logger.Info("sso.login_completed", "remote_session", string(resp.SessionID))
	return resp.User, nil
}

// Refresh trades refreshToken for a new credential set and overwrites the stored one.
// Any failure is a *TokenFailure.
func (e *Engine) Refresh(ctx context.Context, store session.Store, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, &TokenFailure{Reason: ReasonMissingToken, Detail: "no refresh token"}
	}

	callCtx, cancel := e.withTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	resp, err := e.transport.Refresh(callCtx, RefreshRequest{
		RefreshToken: refreshToken,
		AppID:        e.cfg.AppID,
		AppSecret:    e.cfg.AppSecret,
	})
	if err != nil {
		reason, detail := classify(err)
		return false, &TokenFailure{Reason: reason, Detail: detail, Err: err}
	}
	if field := resp.missingField(); field != "" {
		return false, &TokenFailure{Reason: ReasonMalformedResponse, Detail: "missing " + field}
	}
	if err := e.storeCredentials(ctx, store, resp); err != nil {
		return false, &TokenFailure{Reason: ReasonTransportError, Detail: "store credentials", Err: err}
	}
	e.logger.Debug("sso.token_refreshed", "remote_session", string(resp.SessionID))
	return true, nil
}

// Logout notifies the server when configured and always clears local credentials.
func (e *Engine) Logout(ctx context.Context, store session.Store) {
	if e.cfg.SyncLogout {
		token, ok, err := store.Get(ctx, e.keys.AccessToken)
		if err != nil {
			e.logger.Warn("sso.logout_read_failed", "error", err)
		}
		if ok && token != "" {
			callCtx, cancel := e.withTimeout(ctx, e.cfg.LogoutTimeout)
			if err := e.transport.Logout(callCtx, token); err != nil {
				e.logger.Warn("sso.logout_notify_failed", "error", err)
			}
			cancel()
		}
	}

	if err := store.ClearAll(ctx, e.keys.all()...); err != nil {
		e.logger.Error("sso.logout_clear_failed", "error", err)
	}
}

// Session loads a consistent snapshot of the caller's state.
func (e *Engine) Session(ctx context.Context, store session.Store) (AuthSession, error) {
	vals, err := store.GetAll(ctx,
		e.keys.State, e.keys.AccessToken, e.keys.RefreshToken, e.keys.SessionID,
		e.keys.User, e.keys.IssuedAt, e.keys.ExpiresAt)
	if err != nil {
		return AuthSession{}, fmt.Errorf("load session: %w", err)
	}

	sess := AuthSession{
		StateNonce:      vals[e.keys.State],
		AccessToken:     vals[e.keys.AccessToken],
		RefreshToken:    vals[e.keys.RefreshToken],
		RemoteSessionID: vals[e.keys.SessionID],
		IssuedAt:        parseUnix(vals[e.keys.IssuedAt]),
		ExpiresAt:       parseUnix(vals[e.keys.ExpiresAt]),
	}
	if raw := vals[e.keys.User]; raw != "" {
		var user UserPayload
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			e.logger.Warn("sso.user_payload_corrupt", "error", err)
		} else {
			sess.User = user
		}
	}
	return sess, nil
}

func (e *Engine) storeCredentials(ctx context.Context, store session.Store, resp TokenResponse) error {
	user, err := json.Marshal(resp.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	issuedAt := e.now()
	expiresAt := tokenExpiry(resp, issuedAt, e.cfg.TokenLifetime)

	err = store.SetAll(ctx, map[string]string{
		e.keys.AccessToken:  resp.AccessToken,
		e.keys.RefreshToken: resp.RefreshToken,
		e.keys.SessionID:    string(resp.SessionID),
		e.keys.User:         string(user),
		e.keys.IssuedAt:     formatUnix(issuedAt),
		e.keys.ExpiresAt:    formatUnix(expiresAt),
	})
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (e *Engine) clearCredentials(ctx context.Context, store session.Store) {
	if err := store.ClearAll(ctx, e.keys.credentials()...); err != nil {
		e.logger.Error("sso.clear_failed", "error", err)
	}
}

func (e *Engine) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
