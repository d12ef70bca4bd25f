package sso

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ssoclient/session"
)

func newTestGate(t *testing.T, cfg Config, transport Transport) (*Gate, *Engine, *session.Scoped) {
	t.Helper()
	e := newTestEngine(t, cfg, transport)
	store := newTestStore()
	gate := NewGate(e, func(http.ResponseWriter, *http.Request) session.Store { return store }, discardLogger())
	return gate, e, store
}

func protectedHandler(hits *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(sess.AccessToken))
	})
}

func withoutState(t *testing.T, target string) string {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse %q: %v", target, err)
	}
	q := u.Query()
	q.Del("state")
	u.RawQuery = q.Encode()
	return u.String()
}

func TestGateRedirectsEmptySessionToLogin(t *testing.T) {
	gate, e, store := newTestGate(t, testConfig(), &stubTransport{})
	var hits int32

	req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=2", nil)
	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if hits != 0 {
		t.Fatalf("protected handler must not run")
	}
	loc := rec.Header().Get("Location")
	direct, err := e.BeginLogin(context.Background(), newTestStore())
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if withoutState(t, loc) != withoutState(t, direct) {
		t.Fatalf("gate redirect %q differs from BeginLogin %q", loc, direct)
	}

	ctx := context.Background()
	state, _, _ := store.Get(ctx, e.Keys().State)
	if state == "" || stateFrom(t, loc) != state {
		t.Fatalf("redirect state %q does not match stored %q", stateFrom(t, loc), state)
	}
	intended, _, _ := store.Get(ctx, e.Keys().Intended)
	if intended != "/dashboard?tab=2" {
		t.Fatalf("intended URL = %q", intended)
	}
}

func TestGateDoesNotRecordIntendedForPost(t *testing.T) {
	gate, e, store := newTestGate(t, testConfig(), &stubTransport{})
	var hits int32

	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if ok, _ := store.Has(context.Background(), e.Keys().Intended); ok {
		t.Fatalf("POST target should not be recorded")
	}
}

func TestGateLetsCallbackThrough(t *testing.T) {
	gate, e, _ := newTestGate(t, testConfig(), &stubTransport{})
	var hits int32

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, e.Config().CallbackPath()+"?state=x&token=y", nil)
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, req)

	if hits != 1 {
		t.Fatalf("callback should reach the handler")
	}
}

func TestGateTreatsPartialSessionAsAnonymous(t *testing.T) {
	gate, e, store := newTestGate(t, testConfig(), &stubTransport{})
	_ = store.SetAll(context.Background(), map[string]string{e.Keys().AccessToken: "A", e.Keys().RefreshToken: "B"})
	var hits int32

	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusFound || hits != 0 {
		t.Fatalf("partial session should redirect, got %d (hits=%d)", rec.Code, hits)
	}
}

func TestGatePassesFreshSession(t *testing.T) {
	transport := &stubTransport{}
	gate, e, store := newTestGate(t, testConfig(), transport)
	resp := okResponse(1)
	resp.ExpiresIn = 3600
	_ = e.storeCredentials(context.Background(), store, resp)
	var hits int32

	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "A1" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if _, r, _ := transport.counts(); r != 0 {
		t.Fatalf("fresh session should not refresh")
	}
}

func TestGateRefreshesDueSession(t *testing.T) {
	transport := &stubTransport{refresh: func(RefreshRequest) (TokenResponse, error) {
		resp := okResponse(2)
		resp.ExpiresIn = 3600
		return resp, nil
	}}
	gate, e, store := newTestGate(t, testConfig(), transport)
	resp := okResponse(1)
	resp.ExpiresIn = 600
	_ = e.storeCredentials(context.Background(), store, resp)
	var hits int32

	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "A2" {
		t.Fatalf("expected refreshed token in context, got %d %q", rec.Code, rec.Body.String())
	}
	if transport.lastRefresh.RefreshToken != "B1" {
		t.Fatalf("refresh used %q", transport.lastRefresh.RefreshToken)
	}
}

func TestGateRedirectsWhenRefreshFails(t *testing.T) {
	transport := &stubTransport{refresh: func(RefreshRequest) (TokenResponse, error) {
		return TokenResponse{}, errors.New("connection reset")
	}}
	gate, e, store := newTestGate(t, testConfig(), transport)
	_ = store.SetAll(context.Background(), map[string]string{
		e.Keys().AccessToken:  "A1",
		e.Keys().RefreshToken: "B1",
		e.Keys().SessionID:    "S1",
		e.Keys().User:         `{"id":1}`,
	})
	var hits int32

	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusFound || hits != 0 {
		t.Fatalf("refresh failure should redirect to login, got %d (hits=%d)", rec.Code, hits)
	}
	if stateFrom(t, rec.Header().Get("Location")) == "" {
		t.Fatalf("redirect should carry a fresh state")
	}
}

func TestGateClearsCredentialsAfterFailedRefresh(t *testing.T) {
	transport := &stubTransport{refresh: func(RefreshRequest) (TokenResponse, error) {
		return TokenResponse{}, &RemoteError{Status: http.StatusUnauthorized, Description: "refresh token revoked"}
	}}
	gate, e, store := newTestGate(t, testConfig(), transport)
	ctx := context.Background()
	_ = store.SetAll(ctx, map[string]string{
		e.Keys().AccessToken:  "A1",
		e.Keys().RefreshToken: "B1",
		e.Keys().SessionID:    "S1",
		e.Keys().User:         `{"id":1}`,
	})
	var hits int32
	handler := gate.Middleware(protectedHandler(&hits))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
		if rec.Code != http.StatusFound {
			t.Fatalf("request %d: expected redirect, got %d", i, rec.Code)
		}
	}
	if _, refreshes, _ := transport.counts(); refreshes != 1 {
		t.Fatalf("stale credentials retried refresh %d times", refreshes)
	}
	for _, key := range []string{e.Keys().AccessToken, e.Keys().RefreshToken, e.Keys().User} {
		if ok, _ := store.Has(ctx, key); ok {
			t.Fatalf("%s should be cleared after a failed refresh", key)
		}
	}
	if ok, _ := store.Has(ctx, e.Keys().State); !ok {
		t.Fatalf("login redirect should leave a pending state")
	}
}

func TestGateSkipsRefreshWhenDisabled(t *testing.T) {
	transport := &stubTransport{}
	cfg := testConfig()
	cfg.AutoRefresh = false
	gate, e, store := newTestGate(t, cfg, transport)
	resp := okResponse(1)
	resp.ExpiresIn = 60
	_ = e.storeCredentials(context.Background(), store, resp)
	var hits int32

	rec := httptest.NewRecorder()
	gate.Middleware(protectedHandler(&hits)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
	if _, r, _ := transport.counts(); r != 0 {
		t.Fatalf("refresh should be disabled")
	}
}

func TestGateCollapsesConcurrentRefreshes(t *testing.T) {
	transport := &stubTransport{refresh: func(RefreshRequest) (TokenResponse, error) {
		time.Sleep(200 * time.Millisecond)
		resp := okResponse(2)
		resp.ExpiresIn = 3600
		return resp, nil
	}}
	gate, e, store := newTestGate(t, testConfig(), transport)
	resp := okResponse(1)
	resp.ExpiresIn = 60
	_ = e.storeCredentials(context.Background(), store, resp)

	var hits int32
	handler := gate.Middleware(protectedHandler(&hits))
	start := make(chan struct{})
	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
			codes[i] = rec.Code
		}(i)
	}
	close(start)
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d got %d", i, code)
		}
	}
	if _, r, _ := transport.counts(); r != 1 {
		t.Fatalf("expected a single refresh call, got %d", r)
	}
}
