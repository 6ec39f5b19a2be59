package kiro

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRefreshToken means the record has no refresh token and
	// cannot be refreshed at all.
	ErrMissingRefreshToken = errors.New("no refresh token available")

	// ErrMissingClientCredentials means the record is neither social nor
	// carries SSO-OIDC client credentials; re-authentication is required.
	ErrMissingClientCredentials = errors.New("missing client credentials, please re-authenticate")

	// ErrRefreshTokenExpired means the upstream rejected the refresh token
	// outright (HTTP 401); re-authentication is required.
	ErrRefreshTokenExpired = errors.New("refresh token expired, please re-authenticate")

	// ErrMalformedResponse means the refresh response parsed but carried
	// no access token.
	ErrMalformedResponse = errors.New("refresh response does not contain accessToken")

	// ErrNoAuthInProgress is returned by flow operations when no OAuth
	// flow has been started.
	ErrNoAuthInProgress = errors.New("no authentication in progress")

	// ErrAuthTimeout means the user did not complete the OAuth flow in time.
	ErrAuthTimeout = errors.New("authorization timeout")

	// ErrDeviceCodeExpired means the device code lapsed before the user
	// approved it.
	ErrDeviceCodeExpired = errors.New("device code expired")

	// ErrAccessDenied means the user declined the device authorization.
	ErrAccessDenied = errors.New("user denied authorization")
)

// TransportError is a non-401 upstream failure during refresh or token
// exchange. It is retryable from the caller's point of view.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }
