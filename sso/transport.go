package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// SSO server endpoints.
const (
	InitiatePath = "/auth/sso/initiate"
	VerifyPath   = "/api/v1/auth/sso/verify"
	RefreshPath  = "/api/v1/auth/token/refresh"
	LogoutPath   = "/api/v1/auth/logout"
)

const (
	maxResponseBytes        = 1 << 20
	defaultFailureMessage   = "Authentication failed"
	defaultTransportTimeout = 10 * time.Second
)

// Transport performs the remote calls to the SSO server.
type Transport interface {
	Verify(ctx context.Context, req VerifyRequest) (TokenResponse, error)
	Refresh(ctx context.Context, req RefreshRequest) (TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// VerifyRequest exchanges the one-time callback token.
type VerifyRequest struct {
	SSOToken  string `json:"sso_token"`
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

// RefreshRequest trades a refresh token for a new credential set.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	AppID        string `json:"app_id"`
	AppSecret    string `json:"app_secret"`
}

// TokenResponse is the success payload of verify and refresh.
type TokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	SessionID    flexString  `json:"session_id"`
	User         UserPayload `json:"user"`
	ExpiresIn    int64       `json:"expires_in,omitempty"`
}

// missingField names the first required field absent from the response.
func (r TokenResponse) missingField() string {
	switch {
	case r.AccessToken == "":
		return "access_token"
	case r.RefreshToken == "":
		return "refresh_token"
	case r.SessionID == "":
		return "session_id"
	case r.User == nil:
		return "user"
	default:
		return ""
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// HTTPTransport speaks JSON over HTTP(S) to the SSO server. It holds no per-call
// state and is safe for concurrent use.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPTransport builds a transport. A nil client gets a 10s-timeout default.
func NewHTTPTransport(baseURL string, client *http.Client, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultTransportTimeout}
	}
	return &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Verify calls POST /api/v1/auth/sso/verify.
func (t *HTTPTransport) Verify(ctx context.Context, req VerifyRequest) (TokenResponse, error) {
	return t.exchange(ctx, VerifyPath, req)
}

// Refresh calls POST /api/v1/auth/token/refresh.
func (t *HTTPTransport) Refresh(ctx context.Context, req RefreshRequest) (TokenResponse, error) {
	return t.exchange(ctx, RefreshPath, req)
}

// Logout calls POST /api/v1/auth/logout authenticated with the bearer access token.
func (t *HTTPTransport) Logout(ctx context.Context, accessToken string) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+LogoutPath, nil)
	if err != nil {
		return fmt.Errorf("create logout request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", LogoutPath, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeRemoteError(resp.StatusCode, body)
	}
	return nil
}

func (t *HTTPTransport) exchange(ctx context.Context, path string, payload any) (TokenResponse, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("read %s response: %w", path, err)
	}
	t.logger.Debug("sso.remote_call", "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenResponse{}, decodeRemoteError(resp.StatusCode, body)
	}

	var out TokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return TokenResponse{}, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return out, nil
}

// decodeRemoteError turns a non-2xx body into a *RemoteError when it is a JSON
// object, and into a plain transport error otherwise.
func decodeRemoteError(status int, body []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return fmt.Errorf("unexpected status %d %s", status, http.StatusText(status))
	}
	desc, _ := payload["error_description"].(string)
	if desc == "" {
		desc = defaultFailureMessage
	}
	return &RemoteError{Status: status, Description: desc}
}
