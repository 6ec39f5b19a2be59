package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/KiroGateway/internal/account"
	"github.com/router-for-me/KiroGateway/internal/store"
)

// TokenResult is the outcome of a successful refresh or token exchange.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ProfileArn   string
	ExpiresAt    time.Time
}

// tokenResponse covers both refresh protocols; each uses a subset of the
// fields.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn"`
	ExpiresIn    int    `json:"expiresIn"`
	Error        string `json:"error"`
}

func postJSON(ctx context.Context, client *http.Client, op, url string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", oauthUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("%s: close response body: %v", op, errClose)
		}
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return data, resp.StatusCode, nil
}

// refreshSocial exchanges the refresh token at the Kiro desktop auth service.
func refreshSocial(ctx context.Context, client *http.Client, baseURL, refreshToken string) (*TokenResult, error) {
	const op = "kiro social refresh"
	payload := map[string]string{"refreshToken": refreshToken}
	data, status, err := postJSON(ctx, client, op, baseURL+"/refreshToken", payload)
	if err != nil {
		return nil, err
	}
	return decodeTokenResponse(op, data, status)
}

// refreshOIDC exchanges the refresh token at AWS SSO-OIDC using the stored
// client credentials.
func refreshOIDC(ctx context.Context, client *http.Client, baseURL, clientID, clientSecret, refreshToken string) (*TokenResult, error) {
	const op = "sso-oidc refresh"
	payload := map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
	}
	data, status, err := postJSON(ctx, client, op, baseURL+"/token", payload)
	if err != nil {
		return nil, err
	}
	return decodeTokenResponse(op, data, status)
}

func decodeTokenResponse(op string, data []byte, status int) (*TokenResult, error) {
	if status == http.StatusUnauthorized {
		return nil, ErrRefreshTokenExpired
	}
	if status != http.StatusOK {
		return nil, &TransportError{Op: op, StatusCode: status}
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", op, err)
	}
	if tr.AccessToken == "" {
		return nil, ErrMalformedResponse
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &TokenResult{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ProfileArn:   tr.ProfileArn,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// Refresher refreshes stored account records. Records with client
// credentials always take the SSO-OIDC protocol, regardless of the recorded
// auth method; social records without them use the Kiro desktop endpoint.
// Concurrent refreshes of the same record collapse into one upstream call.
type Refresher struct {
	store      store.Store
	httpClient *http.Client
	group      singleflight.Group

	// Overridable in tests.
	authService  func(region string) string
	oidcEndpoint func(region string) string
}

// NewRefresher returns a refresher writing results back to s.
func NewRefresher(s store.Store) *Refresher {
	return &Refresher{
		store:        s,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		authService:  authServiceURL,
		oidcEndpoint: oidcEndpointURL,
	}
}

// Refresh refreshes one record and returns the updated copy. The store is
// updated before the result is returned, so token and expiry move together.
func (r *Refresher) Refresh(ctx context.Context, rec *account.Record) (*account.Record, error) {
	v, err, _ := r.group.Do(strconv.FormatInt(rec.ID, 10), func() (any, error) {
		return r.refreshOne(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.Record), nil
}

func (r *Refresher) refreshOne(ctx context.Context, rec *account.Record) (*account.Record, error) {
	if rec.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	region := rec.EffectiveRegion()

	var (
		result *TokenResult
		err    error
	)
	switch {
	case rec.HasClientCredentials():
		log.Debugf("using sso-oidc refresh for account %d (has client credentials)", rec.ID)
		result, err = refreshOIDC(ctx, r.httpClient, r.oidcEndpoint(region), rec.ClientID(), rec.ClientSecret(), rec.RefreshToken)
	case rec.AuthMethod == account.AuthMethodSocial:
		result, err = refreshSocial(ctx, r.httpClient, r.authService(region), rec.RefreshToken)
	default:
		return nil, ErrMissingClientCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateTokens(ctx, rec.ID, result.AccessToken, result.RefreshToken, result.ProfileArn, result.ExpiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens for account %d: %w", rec.ID, err)
	}

	updated := rec.Clone()
	updated.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		updated.RefreshToken = result.RefreshToken
	}
	if result.ProfileArn != "" {
		updated.ProfileArn = result.ProfileArn
	}
	if result.ExpiresAt.After(updated.ExpiresAt) {
		updated.ExpiresAt = result.ExpiresAt
	}
	log.Infof("token refreshed for account %d, expires %s", rec.ID, updated.ExpiresAt.Format(time.RFC3339))
	return updated, nil
}
