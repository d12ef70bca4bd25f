package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ssoclient/server"
	"ssoclient/sso"
)

func testConfig(serverURL string) server.Config {
	cfg := server.DefaultConfig()
	cfg.SSO.ServerBaseURL = serverURL
	cfg.SSO.AppID = "app-1"
	cfg.SSO.AppSecret = "secret-1"
	cfg.SSO.RedirectURI = "http://127.0.0.1:8080/cf/auth/callback"
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case sso.InitiatePath:
			if r.URL.Query().Get("app_id") != "app-1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConnect(context.Background(), testConfig(srv.URL), logger, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConnect(context.Background(), testConfig(srv.URL), logger, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectInvalidConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig("http://sso.test")
	cfg.SSO.AppID = ""

	if err := runConnect(context.Background(), cfg, logger, nil); err == nil {
		t.Fatalf("expected error for missing app_id")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")
	input := strings.Join([]string{
		"y", // dev mode
		"",  // listen address
		"",  // public URL
		"",  // SSO server URL
		"app-1",
		"secret-1",
		"",  // redirect URI
		"n", // redis
	}, "\n") + "\n"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := runSetup(bufio.NewReader(strings.NewReader(input)), path, logger)
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if cfg.SSO.AppID != "app-1" || cfg.SSO.AppSecret != "secret-1" {
		t.Fatalf("credentials not persisted: %+v", cfg.SSO)
	}
	if cfg.SSO.RedirectURI != "http://127.0.0.1:8080/cf/auth/callback" {
		t.Fatalf("unexpected redirect uri %q", cfg.SSO.RedirectURI)
	}
	if cfg.Session.Backend != server.BackendMemory {
		t.Fatalf("unexpected backend %q", cfg.Session.Backend)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config should be private, got %v", info.Mode().Perm())
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := loadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CF_APP_ID=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CF_APP_ID") })
	os.Unsetenv("CF_APP_ID")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("CF_APP_ID"); got != "from-dotenv" {
		t.Fatalf("CF_APP_ID = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
