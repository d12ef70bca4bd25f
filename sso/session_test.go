package sso

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenExpiryPrefersExpiresIn(t *testing.T) {
	resp := TokenResponse{AccessToken: signedToken(t, fixedNow.Add(5*time.Hour)), ExpiresIn: 600}
	got := tokenExpiry(resp, fixedNow, time.Hour)
	if !got.Equal(fixedNow.Add(10 * time.Minute)) {
		t.Fatalf("expected expires_in to win, got %s", got)
	}
}

func TestTokenExpiryFromJWTClaim(t *testing.T) {
	exp := fixedNow.Add(45 * time.Minute)
	resp := TokenResponse{AccessToken: signedToken(t, exp)}
	got := tokenExpiry(resp, fixedNow, time.Hour)
	if !got.Equal(exp.Truncate(time.Second)) {
		t.Fatalf("expected exp claim %s, got %s", exp, got)
	}
}

func TestTokenExpiryFallsBackToLifetime(t *testing.T) {
	for _, token := range []string{"opaque-token", "a.b.c", ""} {
		got := tokenExpiry(TokenResponse{AccessToken: token}, fixedNow, 90*time.Minute)
		if !got.Equal(fixedNow.Add(90 * time.Minute)) {
			t.Fatalf("token %q: expected fallback, got %s", token, got)
		}
	}
}

func TestRefreshDue(t *testing.T) {
	threshold := 30 * time.Minute
	cases := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"no metadata", time.Time{}, true},
		{"far away", fixedNow.Add(2 * time.Hour), false},
		{"inside threshold", fixedNow.Add(10 * time.Minute), true},
		{"on threshold", fixedNow.Add(threshold), true},
		{"already expired", fixedNow.Add(-time.Minute), true},
	}
	for _, tc := range cases {
		s := AuthSession{ExpiresAt: tc.expires}
		if got := s.RefreshDue(fixedNow, threshold); got != tc.want {
			t.Fatalf("%s: RefreshDue = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAuthenticatedRequiresAllFields(t *testing.T) {
	full := AuthSession{AccessToken: "A", RefreshToken: "B", RemoteSessionID: "S", User: UserPayload{"id": "1"}}
	if !full.Authenticated() {
		t.Fatalf("full session should be authenticated")
	}
	partial := full
	partial.RemoteSessionID = ""
	if partial.Authenticated() {
		t.Fatalf("missing session id must not count as authenticated")
	}
	partial = full
	partial.User = nil
	if partial.Authenticated() {
		t.Fatalf("missing user must not count as authenticated")
	}
}

func TestUserPayloadIdentifier(t *testing.T) {
	u := UserPayload{"id": float64(1234567), "uuid": "abc", "empty": ""}
	if id, ok := u.Identifier("id"); !ok || id != "1234567" {
		t.Fatalf("numeric id = %q, %v", id, ok)
	}
	if id, ok := u.Identifier("uuid"); !ok || id != "abc" {
		t.Fatalf("string id = %q, %v", id, ok)
	}
	if _, ok := u.Identifier("empty"); ok {
		t.Fatalf("empty string should not count as identifier")
	}
	if _, ok := u.Identifier("missing"); ok {
		t.Fatalf("missing attribute should not count as identifier")
	}
}

func TestKeysSharePrefix(t *testing.T) {
	k := NewKeys("cf_sso_token")
	if k.AccessToken != "cf_sso_token.access_token" || k.State != "cf_sso_token.state" {
		t.Fatalf("unexpected keys %+v", k)
	}
	if len(k.all()) != 9 {
		t.Fatalf("expected 9 keys, got %d", len(k.all()))
	}
}

func TestSessionContext(t *testing.T) {
	if _, ok := UserFromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no user")
	}
	ctx := WithSession(context.Background(), AuthSession{User: UserPayload{"id": "7"}})
	u, ok := UserFromContext(ctx)
	if !ok || u["id"] != "7" {
		t.Fatalf("UserFromContext = %v, %v", u, ok)
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
