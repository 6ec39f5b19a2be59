// Package kiro implements Kiro credential acquisition and refresh: the
// social (desktop) OAuth flow with PKCE, the AWS Builder ID device-code
// flow, both token refresh protocols, and the expiration-aware refresh
// scheduling used by the single-credential manager and the account pool.
package kiro

import (
	"fmt"
	"os"
)

const (
	authServiceBase  = "https://prod.%s.auth.desktop.kiro.dev"
	oidcEndpointBase = "https://oidc.%s.amazonaws.com"

	// builderIDStartURL is the AWS Builder ID portal used by the
	// device-code flow.
	builderIDStartURL = "https://view.awsapps.com/start"

	oauthClientName = "Kiro OpenAI Gateway"
	oauthUserAgent  = "KiroOpenAIGateway/1.0"
)

// codewhispererScopes are requested during device-code client registration.
var codewhispererScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// The KIRO_AUTH_BASE_URL and KIRO_OIDC_BASE_URL environment variables
// override the regional endpoints, e.g. to route through a local proxy.

func authServiceURL(region string) string {
	if v := os.Getenv("KIRO_AUTH_BASE_URL"); v != "" {
		return v
	}
	return fmt.Sprintf(authServiceBase, region)
}

func oidcEndpointURL(region string) string {
	if v := os.Getenv("KIRO_OIDC_BASE_URL"); v != "" {
		return v
	}
	return fmt.Sprintf(oidcEndpointBase, region)
}
