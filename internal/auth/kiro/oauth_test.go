package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroGateway/internal/account"
)

func newTestFlowManager(srvURL string) *FlowManager {
	m := NewFlowManager(FlowOptions{
		CallbackPortStart: 39876,
		CallbackPortEnd:   39896,
		AuthTimeout:       5 * time.Second,
		PollInterval:      20 * time.Millisecond,
	})
	m.authService = func(string) string { return srvURL }
	m.oidcEndpoint = func(string) string { return srvURL }
	return m
}

func TestStartSocialBuildsAuthURL(t *testing.T) {
	m := newTestFlowManager("https://auth.example.test")
	info, err := m.StartSocial(context.Background(), "google")
	require.NoError(t, err)
	defer m.Cancel()

	u, err := url.Parse(info.AuthURL)
	require.NoError(t, err)
	require.Equal(t, "/login", u.Path)
	q := u.Query()
	require.Equal(t, "google", q.Get("idp"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "select_account", q.Get("prompt"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.NotEmpty(t, q.Get("state"))
	require.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", info.Port), q.Get("redirect_uri"))

	status := m.Status()
	require.True(t, status.InProgress)
	require.Equal(t, "social", status.Method)
	require.Equal(t, "google", status.Provider)
}

// A callback with the wrong state must fail the flow without ever calling
// the token endpoint.
func TestCallbackRejectsStateMismatch(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
	}))
	defer srv.Close()

	m := newTestFlowManager(srv.URL)
	info, err := m.StartSocial(context.Background(), "github")
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth/callback?state=forged&code=abc", info.Port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "state validation failed")

	_, err = m.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "state validation failed")
	require.Equal(t, int32(0), exchanges.Load(), "token endpoint must not be called")
}

// Browser noise like favicon probes gets an empty 204 and leaves the flow
// pending.
func TestCallbackIgnoresOtherPaths(t *testing.T) {
	m := newTestFlowManager("https://auth.example.test")
	info, err := m.StartSocial(context.Background(), "google")
	require.NoError(t, err)
	defer m.Cancel()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/favicon.ico", info.Port))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, m.Status().InProgress, "probe must not consume the flow")
}

func TestCallbackMissingCode(t *testing.T) {
	m := newTestFlowManager("https://auth.example.test")
	info, err := m.StartSocial(context.Background(), "google")
	require.NoError(t, err)

	// Correct state but no code.
	u, _ := url.Parse(info.AuthURL)
	state := u.Query().Get("state")
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth/callback?state=%s", info.Port, state))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = m.Wait(context.Background())
	require.Error(t, err)
}

func TestSocialFlowCompletes(t *testing.T) {
	var exchangeBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&exchangeBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "at",
			"refreshToken": "rt",
			"profileArn":   "arn:profile",
			"expiresIn":    1200,
		})
	}))
	defer srv.Close()

	m := newTestFlowManager(srv.URL)
	info, err := m.StartSocial(context.Background(), "google")
	require.NoError(t, err)

	u, _ := url.Parse(info.AuthURL)
	state := u.Query().Get("state")

	go func() {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth/callback?state=%s&code=the-code", info.Port, state))
		if err == nil {
			resp.Body.Close()
		}
	}()

	result, err := m.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "the-code", exchangeBody["code"])
	require.NotEmpty(t, exchangeBody["code_verifier"])
	require.Equal(t, info.RedirectURI, exchangeBody["redirect_uri"])

	require.Equal(t, "at", result.AccessToken)
	require.Equal(t, "rt", result.RefreshToken)
	require.Equal(t, account.AuthMethodSocial, result.AuthMethod)
	require.Equal(t, "google", result.Provider)

	rec := result.Record("personal")
	require.Equal(t, "personal", rec.Name)
	require.True(t, rec.IsActive)
	require.Empty(t, rec.ExtraData)

	require.False(t, m.Status().InProgress)
}

func TestDeviceCodeFlow(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			var reg map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
			require.Equal(t, "public", reg["clientType"])
			_ = json.NewEncoder(w).Encode(map[string]string{
				"clientId":     "cid",
				"clientSecret": "csec",
			})
		case "/device_authorization":
			var auth map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&auth))
			require.Equal(t, "https://view.awsapps.com/start", auth["startUrl"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"deviceCode":      "dc",
				"userCode":        "ABCD-EFGH",
				"verificationUri": "https://device.sso.example.test/",
				"expiresIn":       600,
			})
		case "/token":
			if polls.Add(1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken":  "device-at",
				"refreshToken": "device-rt",
				"expiresIn":    900,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	m := newTestFlowManager(srv.URL)
	info, err := m.StartDeviceCode(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ABCD-EFGH", info.UserCode)
	require.Equal(t, "builder-id", info.Method)

	result, err := m.Wait(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, polls.Load(), int32(3))
	require.Equal(t, "device-at", result.AccessToken)
	require.Equal(t, account.AuthMethodIdC, result.AuthMethod)
	require.Equal(t, "cid", result.ClientID)
	require.Equal(t, "csec", result.ClientSecret)

	rec := result.Record("work")
	require.Equal(t, "cid", rec.ExtraData["clientId"])
	require.Equal(t, "csec", rec.ExtraData["clientSecret"])
	require.True(t, rec.HasClientCredentials())
}

func TestDeviceCodeDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			_ = json.NewEncoder(w).Encode(map[string]string{"clientId": "cid", "clientSecret": "csec"})
		case "/device_authorization":
			_ = json.NewEncoder(w).Encode(map[string]any{"deviceCode": "dc", "userCode": "X", "verificationUri": "https://v", "expiresIn": 600})
		case "/token":
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
		}
	}))
	defer srv.Close()

	m := newTestFlowManager(srv.URL)
	_, err := m.StartDeviceCode(context.Background())
	require.NoError(t, err)

	_, err = m.Wait(context.Background())
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestWaitWithoutFlow(t *testing.T) {
	m := newTestFlowManager("https://auth.example.test")
	_, err := m.Wait(context.Background())
	require.ErrorIs(t, err, ErrNoAuthInProgress)
}
