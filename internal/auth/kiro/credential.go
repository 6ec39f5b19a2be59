package kiro

import "context"

// Credential is what the upstream client needs from any auth source: a
// valid bearer token on demand and the request-shaping attributes that go
// with it. Implementations refresh lazily inside Token.
type Credential interface {
	// Token returns an access token that is valid now, refreshing first
	// when the cached one is missing or expiring.
	Token(ctx context.Context) (string, error)
	// ForceRefresh discards the cached access token and refreshes
	// unconditionally. Called after an upstream 401/403.
	ForceRefresh(ctx context.Context) error
	// ProfileArn is the CodeWhisperer profile ARN, when known.
	ProfileArn() string
	// Region is the AWS region the credential belongs to.
	Region() string
	// IncludeProfileArn reports whether the profile ARN belongs in the
	// request body. Only desktop (social) credentials carry it; sending
	// it for SSO-OIDC credentials gets a 403.
	IncludeProfileArn() bool
}
