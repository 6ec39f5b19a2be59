package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/account"
)

// FlowResult is a completed OAuth login, ready to be stored as an account
// record or written to a credentials file.
type FlowResult struct {
	AccessToken  string
	RefreshToken string
	ProfileArn   string
	ExpiresAt    time.Time
	AuthMethod   string
	Provider     string
	Region       string
	ClientID     string
	ClientSecret string
}

// Record converts the flow result into an account record named name.
func (r *FlowResult) Record(name string) *account.Record {
	rec := &account.Record{
		Name:         name,
		AuthMethod:   r.AuthMethod,
		Provider:     r.Provider,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ProfileArn:   r.ProfileArn,
		Region:       r.Region,
		ExpiresAt:    r.ExpiresAt,
		IsActive:     true,
	}
	if r.ClientID != "" {
		rec.ExtraData = map[string]string{
			"clientId":     r.ClientID,
			"clientSecret": r.ClientSecret,
		}
	}
	return rec
}

// FlowStatus describes the login currently in progress, if any.
type FlowStatus struct {
	InProgress bool   `json:"in_progress"`
	Method     string `json:"method,omitempty"`
	Provider   string `json:"provider,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
}

// StartInfo is returned when a flow starts: what to show the user.
type StartInfo struct {
	AuthURL         string `json:"auth_url"`
	Method          string `json:"method"`
	Provider        string `json:"provider,omitempty"`
	Port            int    `json:"port,omitempty"`
	RedirectURI     string `json:"redirect_uri,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	VerificationURI string `json:"verification_uri,omitempty"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval,omitempty"`
}

// FlowOptions configures the flow manager.
type FlowOptions struct {
	CallbackPortStart int
	CallbackPortEnd   int
	AuthTimeout       time.Duration
	PollInterval      time.Duration
	Region            string
}

func (o *FlowOptions) withDefaults() FlowOptions {
	out := *o
	if out.CallbackPortStart == 0 {
		out.CallbackPortStart = 19876
	}
	if out.CallbackPortEnd == 0 {
		out.CallbackPortEnd = 19880
	}
	if out.AuthTimeout == 0 {
		out.AuthTimeout = 600 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.Region == "" {
		out.Region = account.DefaultRegion
	}
	return out
}

// activeFlow is the single in-flight login. Starting a new flow cancels the
// previous one.
type activeFlow struct {
	method    string
	provider  string
	startedAt time.Time
	server    *callbackServer
	cancel    context.CancelFunc
	done      chan struct{}
	result    *FlowResult
	err       error
}

// FlowManager runs Kiro OAuth login flows: the social redirect flow with
// PKCE and the AWS Builder ID device-code flow. At most one flow is active
// at a time.
type FlowManager struct {
	mu         sync.Mutex
	opts       FlowOptions
	httpClient *http.Client
	flow       *activeFlow

	// Overridable in tests.
	authService  func(region string) string
	oidcEndpoint func(region string) string
}

// NewFlowManager returns a flow manager with the given options.
func NewFlowManager(opts FlowOptions) *FlowManager {
	return &FlowManager{
		opts:         opts.withDefaults(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		authService:  authServiceURL,
		oidcEndpoint: oidcEndpointURL,
	}
}

// StartSocial begins the redirect flow for a social identity provider
// ("Google" or "Github") and returns the URL the user must open.
func (m *FlowManager) StartSocial(ctx context.Context, provider string) (*StartInfo, error) {
	m.Cancel()

	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	server, err := newCallbackServer(pkce.CodeVerifier, state,
		m.opts.CallbackPortStart, m.opts.CallbackPortEnd,
		func(ctx context.Context, code, redirectURI string) (*TokenResult, error) {
			return m.exchangeCode(ctx, code, pkce.CodeVerifier, redirectURI)
		})
	if err != nil {
		return nil, err
	}

	redirectURI := server.redirectURI()
	params := url.Values{}
	params.Set("idp", provider)
	params.Set("redirect_uri", redirectURI)
	params.Set("code_challenge", pkce.CodeChallenge)
	params.Set("code_challenge_method", "S256")
	params.Set("state", state)
	params.Set("prompt", "select_account")
	authURL := m.authService(m.opts.Region) + "/login?" + params.Encode()

	m.mu.Lock()
	m.flow = &activeFlow{
		method:    "social",
		provider:  provider,
		startedAt: time.Now().UTC(),
		server:    server,
	}
	m.mu.Unlock()

	return &StartInfo{
		AuthURL:     authURL,
		Method:      "social",
		Provider:    provider,
		Port:        server.port,
		RedirectURI: redirectURI,
		ExpiresIn:   int(m.opts.AuthTimeout.Seconds()),
	}, nil
}

// exchangeCode swaps the authorization code for tokens at the Kiro auth
// service.
func (m *FlowManager) exchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResult, error) {
	const op = "oauth code exchange"
	payload := map[string]string{
		"code":          code,
		"code_verifier": codeVerifier,
		"redirect_uri":  redirectURI,
	}
	data, status, err := postJSON(ctx, m.httpClient, op, m.authService(m.opts.Region)+"/oauth/token", payload)
	if err != nil {
		return nil, err
	}
	return decodeTokenResponse(op, data, status)
}

// deviceAuthorization is the SSO-OIDC device_authorization response.
type deviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// StartDeviceCode begins the AWS Builder ID device-code flow: registers an
// OIDC client, requests device authorization, and starts polling in the
// background.
func (m *FlowManager) StartDeviceCode(ctx context.Context) (*StartInfo, error) {
	m.Cancel()

	endpoint := m.oidcEndpoint(m.opts.Region)

	regPayload := map[string]any{
		"clientName": oauthClientName,
		"clientType": "public",
		"scopes":     codewhispererScopes,
		"grantTypes": []string{"urn:ietf:params:oauth:grant-type:device_code", "refresh_token"},
	}
	data, status, err := postJSON(ctx, m.httpClient, "oidc client register", endpoint+"/client/register", regPayload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, &TransportError{Op: "oidc client register", StatusCode: status}
	}
	var reg struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("oidc client register: parse response: %w", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("oidc client register: response missing client credentials")
	}

	authPayload := map[string]string{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     builderIDStartURL,
	}
	data, status, err = postJSON(ctx, m.httpClient, "device authorization", endpoint+"/device_authorization", authPayload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TransportError{Op: "device authorization", StatusCode: status}
	}
	var da deviceAuthorization
	if err := json.Unmarshal(data, &da); err != nil {
		return nil, fmt.Errorf("device authorization: parse response: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	flow := &activeFlow{
		method:    "builder-id",
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.flow = flow
	m.mu.Unlock()

	interval := m.opts.PollInterval
	if da.Interval > 0 {
		interval = time.Duration(da.Interval) * time.Second
	}
	go func() {
		defer close(flow.done)
		flow.result, flow.err = m.pollDeviceToken(pollCtx, endpoint, reg.ClientID, reg.ClientSecret, da.DeviceCode, interval)
	}()

	authURL := da.VerificationURIComplete
	if authURL == "" {
		authURL = da.VerificationURI
	}
	expiresIn := da.ExpiresIn
	if expiresIn == 0 {
		expiresIn = int(m.opts.AuthTimeout.Seconds())
	}
	return &StartInfo{
		AuthURL:         authURL,
		Method:          "builder-id",
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		ExpiresIn:       expiresIn,
		Interval:        int(interval.Seconds()),
	}, nil
}

// pollDeviceToken polls the SSO-OIDC token endpoint until the user approves,
// the code lapses, or the overall timeout runs out.
func (m *FlowManager) pollDeviceToken(ctx context.Context, endpoint, clientID, clientSecret, deviceCode string, interval time.Duration) (*FlowResult, error) {
	deadline := time.Now().Add(m.opts.AuthTimeout)
	payload := map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"deviceCode":   deviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	}

	sleep := func(d time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for time.Now().Before(deadline) {
		data, _, err := postJSON(ctx, m.httpClient, "device token poll", endpoint+"/token", payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("device token poll: %v", err)
			if err := sleep(interval); err != nil {
				return nil, err
			}
			continue
		}
		var tr tokenResponse
		if err := json.Unmarshal(data, &tr); err != nil {
			return nil, fmt.Errorf("device token poll: parse response: %w", err)
		}
		if tr.AccessToken != "" {
			expiresIn := tr.ExpiresIn
			if expiresIn <= 0 {
				expiresIn = 3600
			}
			return &FlowResult{
				AccessToken:  tr.AccessToken,
				RefreshToken: tr.RefreshToken,
				ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
				AuthMethod:   account.AuthMethodIdC,
				Provider:     "AWS",
				Region:       m.opts.Region,
				ClientID:     clientID,
				ClientSecret: clientSecret,
			}, nil
		}
		switch tr.Error {
		case "authorization_pending":
			if err := sleep(interval); err != nil {
				return nil, err
			}
		case "slow_down":
			if err := sleep(interval + 5*time.Second); err != nil {
				return nil, err
			}
		case "expired_token":
			return nil, ErrDeviceCodeExpired
		case "access_denied":
			return nil, ErrAccessDenied
		default:
			return nil, fmt.Errorf("authorization failed: %s", tr.Error)
		}
	}
	return nil, ErrAuthTimeout
}

// Status reports the flow currently in progress.
func (m *FlowManager) Status() FlowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flow == nil {
		return FlowStatus{}
	}
	return FlowStatus{
		InProgress: true,
		Method:     m.flow.method,
		Provider:   m.flow.provider,
		StartedAt:  m.flow.startedAt.Format(time.RFC3339),
	}
}

// Wait blocks until the active flow completes and returns its result. The
// flow is cleared whether it succeeded or not.
func (m *FlowManager) Wait(ctx context.Context) (*FlowResult, error) {
	m.mu.Lock()
	flow := m.flow
	m.mu.Unlock()
	if flow == nil {
		return nil, ErrNoAuthInProgress
	}
	defer m.Cancel()

	switch flow.method {
	case "social":
		tokens, err := flow.server.wait(ctx, m.opts.AuthTimeout)
		if err != nil {
			return nil, err
		}
		return &FlowResult{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			ProfileArn:   tokens.ProfileArn,
			ExpiresAt:    tokens.ExpiresAt,
			AuthMethod:   account.AuthMethodSocial,
			Provider:     flow.provider,
			Region:       m.opts.Region,
		}, nil
	default:
		select {
		case <-flow.done:
			return flow.result, flow.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel aborts any flow in progress.
func (m *FlowManager) Cancel() {
	m.mu.Lock()
	flow := m.flow
	m.flow = nil
	m.mu.Unlock()
	if flow == nil {
		return
	}
	if flow.server != nil {
		flow.server.stop()
	}
	if flow.cancel != nil {
		flow.cancel()
	}
}
