package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ssoclient/sso"
)

// Session backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DefaultSessionTTL bounds an idle browser session.
const DefaultSessionTTL = 12 * time.Hour

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	SSO     sso.Config    `yaml:"sso"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// SessionConfig selects where browser sessions and SSO credentials live.
type SessionConfig struct {
	Backend    string        `yaml:"backend"`
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig points the redis backend at a server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Session: SessionConfig{
			Backend: BackendMemory,
			TTL:     DefaultSessionTTL,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "sso",
			},
		},
		SSO: sso.DefaultConfig(),
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"CF_ROUTE_PREFIX":      func(v string) { cfg.SSO.RoutePrefix = v },
		"CF_SSO_URL":           func(v string) { cfg.SSO.ServerBaseURL = v },
		"CF_APP_ID":            func(v string) { cfg.SSO.AppID = v },
		"CF_APP_SECRET":        func(v string) { cfg.SSO.AppSecret = v },
		"CF_REDIRECT_URI":      func(v string) { cfg.SSO.RedirectURI = v },
		"CF_AUTO_REFRESH":      func(v string) { cfg.SSO.AutoRefresh = parseBool(v, cfg.SSO.AutoRefresh) },
		"CF_REFRESH_THRESHOLD": func(v string) { cfg.SSO.RefreshThresholdMinutes = parseInt(v, cfg.SSO.RefreshThresholdMinutes) },
		"CF_SYNC_LOGOUT":       func(v string) { cfg.SSO.SyncLogout = parseBool(v, cfg.SSO.SyncLogout) },
		"CF_SESSION_KEY":       func(v string) { cfg.SSO.SessionKey = v },
		"CF_DEFAULT_REDIRECT":  func(v string) { cfg.SSO.DefaultRedirectPath = v },
		"CF_REQUEST_TIMEOUT":   func(v string) { cfg.SSO.RequestTimeout = parseDuration(v, cfg.SSO.RequestTimeout) },

		"SSOCLIENT_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SSOCLIENT_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SSOCLIENT_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SSOCLIENT_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SSOCLIENT_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SSOCLIENT_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"SSOCLIENT_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SSOCLIENT_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SSOCLIENT_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"SSOCLIENT_SESSION_BACKEND":          func(v string) { cfg.Session.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"SSOCLIENT_SESSION_TTL":              func(v string) { cfg.Session.TTL = parseDuration(v, cfg.Session.TTL) },
		"SSOCLIENT_REDIS_ADDR":               func(v string) { cfg.Session.Redis.Addr = v },
		"SSOCLIENT_REDIS_PASSWORD":           func(v string) { cfg.Session.Redis.Password = v },
		"SSOCLIENT_REDIS_DB":                 func(v string) { cfg.Session.Redis.DB = parseInt(v, cfg.Session.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the server and session settings, then
// delegates to the SSO client configuration.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "session.redis.addr")
			return errors.New("session.redis.addr is required for the redis backend")
		}
	default:
		slog.Error("Invalid session backend", "field", "session.backend", "value", c.Session.Backend, "valid_values", []string{BackendMemory, BackendRedis})
		return fmt.Errorf("session.backend must be %q or %q, got: %q", BackendMemory, BackendRedis, c.Session.Backend)
	}
	if c.Session.TTL < 0 {
		slog.Error("Invalid configuration value", "field", "session.ttl", "value", c.Session.TTL)
		return errors.New("session.ttl must not be negative")
	}

	if err := c.SSO.Validate(); err != nil {
		return err
	}

	// redirect_uri is exact-matched by the SSO server and must land on the callback route.
	if u, err := url.Parse(c.SSO.RedirectURI); err == nil && u.Path != c.SSO.CallbackPath() {
		slog.Warn("sso.redirect_uri does not point at the callback route",
			"redirect_uri", c.SSO.RedirectURI,
			"callback_path", c.SSO.CallbackPath())
	}

	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
