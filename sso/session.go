package sso

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserPayload carries the remote user attributes exactly as the server sent them.
type UserPayload map[string]any

// Identifier returns attr as a string. JSON numbers are rendered without exponent.
func (u UserPayload) Identifier(attr string) (string, bool) {
	switch v := u[attr].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// String returns the named attribute or "".
func (u UserPayload) String(attr string) string {
	s, _ := u[attr].(string)
	return s
}

// Keys names the credential store entries under a common prefix.
type Keys struct {
	State        string
	AccessToken  string
	RefreshToken string
	SessionID    string
	User         string
	IssuedAt     string
	ExpiresAt    string
	Intended     string
	LocalUser    string
}

// NewKeys derives the store keys from the configured session key.
func NewKeys(prefix string) Keys {
	k := func(name string) string { return prefix + "." + name }
	return Keys{
		State:        k("state"),
		AccessToken:  k("access_token"),
		RefreshToken: k("refresh_token"),
		SessionID:    k("session_id"),
		User:         k("user"),
		IssuedAt:     k("issued_at"),
		ExpiresAt:    k("expires_at"),
		Intended:     k("intended"),
		LocalUser:    k("local_user"),
	}
}

// credentials lists the keys written and cleared as one unit.
func (k Keys) credentials() []string {
	return []string{k.AccessToken, k.RefreshToken, k.SessionID, k.User, k.IssuedAt, k.ExpiresAt}
}

// all lists every key owned by the flow.
func (k Keys) all() []string {
	return append(k.credentials(), k.State, k.Intended, k.LocalUser)
}

// AuthSession is a snapshot of the caller's authentication state.
type AuthSession struct {
	StateNonce      string
	AccessToken     string
	RefreshToken    string
	RemoteSessionID string
	User            UserPayload
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Authenticated requires all four credential fields.
func (s AuthSession) Authenticated() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && s.RemoteSessionID != "" && s.User != nil
}

// RefreshDue reports whether the access token expires within threshold. A session
// without expiry metadata is always due.
func (s AuthSession) RefreshDue(now time.Time, threshold time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return true
	}
	return s.ExpiresAt.Sub(now) <= threshold
}

// tokenExpiry prefers expires_in, then the JWT exp claim, then the configured lifetime.
func tokenExpiry(resp TokenResponse, issuedAt time.Time, fallback time.Duration) time.Time {
	if resp.ExpiresIn > 0 {
		return issuedAt.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if exp, ok := accessTokenExpiry(resp.AccessToken); ok {
		return exp
	}
	return issuedAt.Add(fallback)
}

// accessTokenExpiry reads exp from a JWT without verifying its signature; the token
// is only ever presented back to the server that issued it.
func accessTokenExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

type sessionKey struct{}

// WithSession stores the gate-approved session on ctx.
func WithSession(ctx context.Context, s AuthSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session placed by the gate.
func SessionFromContext(ctx context.Context) (AuthSession, bool) {
	s, ok := ctx.Value(sessionKey{}).(AuthSession)
	return s, ok
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnix(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// UserFromContext returns the remote user of the gate-approved session.
func UserFromContext(ctx context.Context) (UserPayload, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok || s.User == nil {
		return nil, false
	}
	return s.User, true
}
