package sso

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the client configuration for a single SSO server registration.
type Config struct {
	ServerBaseURL           string        `yaml:"server_url" validate:"required,url"`
	AppID                   string        `yaml:"app_id" validate:"required"`
	AppSecret               string        `yaml:"app_secret" validate:"required"`
	RedirectURI             string        `yaml:"redirect_uri" validate:"required,url"`
	RoutePrefix             string        `yaml:"route_prefix"`
	AutoRefresh             bool          `yaml:"auto_refresh"`
	RefreshThresholdMinutes int           `yaml:"refresh_threshold" validate:"gte=0"`
	SyncLogout              bool          `yaml:"sync_logout"`
	SessionKey              string        `yaml:"session_key" validate:"required"`
	DefaultRedirectPath     string        `yaml:"default_redirect" validate:"required,startswith=/"`
	RequestTimeout          time.Duration `yaml:"request_timeout" validate:"gte=0"`
	LogoutTimeout           time.Duration `yaml:"logout_timeout" validate:"gte=0"`
	TokenLifetime           time.Duration `yaml:"token_lifetime" validate:"gte=0"`
	IdentifierAttribute     string        `yaml:"identifier_attribute"`
}

// DefaultConfig returns the defaults; AppID, AppSecret and RedirectURI have none.
func DefaultConfig() Config {
	return Config{
		ServerBaseURL:           "http://sso.test",
		RoutePrefix:             "cf",
		AutoRefresh:             true,
		RefreshThresholdMinutes: 30,
		SyncLogout:              true,
		SessionKey:              "cf_sso_token",
		DefaultRedirectPath:     "/dashboard",
		RequestTimeout:          10 * time.Second,
		LogoutTimeout:           3 * time.Second,
		TokenLifetime:           time.Hour,
		IdentifierAttribute:     "id",
	}
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks required credentials and URLs. Failures are *ConfigurationError.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigurationError{Field: "sso", Reason: err.Error()}
	}
	fe := verrs[0]
	return &ConfigurationError{Field: "sso." + fe.Field(), Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be an absolute URL"
	case "startswith":
		return "must start with " + fe.Param()
	case "gte":
		return "must not be negative"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// RefreshThreshold is RefreshThresholdMinutes as a duration.
func (c Config) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdMinutes) * time.Minute
}

// AuthPath joins the route prefix with an auth endpoint name.
func (c Config) AuthPath(name string) string {
	prefix := strings.Trim(c.RoutePrefix, "/")
	if prefix == "" {
		return "/auth/" + name
	}
	return "/" + prefix + "/auth/" + name
}

// LoginPath is GET {prefix}/auth/login.
func (c Config) LoginPath() string { return c.AuthPath("login") }

// CallbackPath is GET {prefix}/auth/callback.
func (c Config) CallbackPath() string { return c.AuthPath("callback") }

// LogoutPath is POST {prefix}/auth/logout.
func (c Config) LogoutPath() string { return c.AuthPath("logout") }

func (c Config) serverURL(path string) string {
	return strings.TrimSuffix(c.ServerBaseURL, "/") + path
}
