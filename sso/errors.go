package sso

import (
	"errors"
	"fmt"
)

// Reason classifies authentication and token failures.
type Reason string

const (
	ReasonInvalidState      Reason = "invalid_state"
	ReasonTransportError    Reason = "transport_error"
	ReasonServerRejected    Reason = "server_rejected"
	ReasonMalformedResponse Reason = "malformed_response"
	ReasonMissingToken      Reason = "missing_token"
)

// ConfigurationError reports a missing or invalid setting detected at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sso configuration: %s %s", e.Field, e.Reason)
}

// AuthenticationFailure is returned by callback processing.
type AuthenticationFailure struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *AuthenticationFailure) Error() string {
	if e.Detail == "" {
		return "sso authentication failed: " + string(e.Reason)
	}
	return fmt.Sprintf("sso authentication failed: %s: %s", e.Reason, e.Detail)
}

func (e *AuthenticationFailure) Unwrap() error { return e.Err }

// TokenFailure is returned by refresh.
type TokenFailure struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *TokenFailure) Error() string {
	if e.Detail == "" {
		return "sso token refresh failed: " + string(e.Reason)
	}
	return fmt.Sprintf("sso token refresh failed: %s: %s", e.Reason, e.Detail)
}

func (e *TokenFailure) Unwrap() error { return e.Err }

// RemoteError is a well-formed error response from the SSO server.
type RemoteError struct {
	Status      int
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sso server returned %d: %s", e.Status, e.Description)
}

// errMalformedBody marks a 2xx response whose body could not be decoded.
var errMalformedBody = errors.New("malformed response body")

// ReasonOf extracts the failure reason from an AuthenticationFailure or TokenFailure.
func ReasonOf(err error) (Reason, bool) {
	var af *AuthenticationFailure
	if errors.As(err, &af) {
		return af.Reason, true
	}
	var tf *TokenFailure
	if errors.As(err, &tf) {
		return tf.Reason, true
	}
	return "", false
}

// classify maps a transport error onto a failure reason and operator-facing detail.
func classify(err error) (Reason, string) {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return ReasonServerRejected, remote.Description
	case errors.Is(err, errMalformedBody):
		return ReasonMalformedResponse, err.Error()
	default:
		return ReasonTransportError, err.Error()
	}
}
