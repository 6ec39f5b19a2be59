package kiro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerTokenRefreshesWhenDue(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "fresh", "expiresIn": 3600})
	}))
	defer srv.Close()

	m, err := NewManager(ManagerOptions{RefreshToken: "rt"})
	require.NoError(t, err)
	m.authService = func(string) string { return srv.URL }

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.Equal(t, int32(1), refreshes.Load())

	// Still inside the threshold: no second refresh.
	token, err = m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.Equal(t, int32(1), refreshes.Load())
}

func TestManagerCredsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-credentials.json")
	require.NoError(t, SaveCredentialsFile(path, &CredentialsFile{
		AccessToken:  "old",
		RefreshToken: "rt-file",
		ProfileArn:   "arn:file",
		AuthMethod:   "social",
		Region:       "eu-west-1",
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "renewed", "expiresIn": 3600})
	}))
	defer srv.Close()

	m, err := NewManager(ManagerOptions{CredsFile: path})
	require.NoError(t, err)
	m.authService = func(string) string { return srv.URL }

	require.True(t, m.HasCredential())
	require.Equal(t, "eu-west-1", m.Region())
	require.Equal(t, "arn:file", m.ProfileArn())

	require.NoError(t, m.ForceRefresh(context.Background()))

	// Refresh results are written back to the credentials file.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved CredentialsFile
	require.NoError(t, json.Unmarshal(data, &saved))
	require.Equal(t, "renewed", saved.AccessToken)
	require.Equal(t, "rt-file", saved.RefreshToken)
	require.NotEmpty(t, saved.SavedAt)
}

func TestManagerExplicitOptionsWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, SaveCredentialsFile(path, &CredentialsFile{RefreshToken: "rt-file", Region: "eu-west-1"}))

	m, err := NewManager(ManagerOptions{CredsFile: path, RefreshToken: "rt-explicit", Region: "ap-southeast-1"})
	require.NoError(t, err)
	require.Equal(t, "ap-southeast-1", m.Region())

	m.mu.Lock()
	rt := m.refreshToken
	m.mu.Unlock()
	require.Equal(t, "rt-explicit", rt)
}

func TestManagerWithoutCredential(t *testing.T) {
	m, err := NewManager(ManagerOptions{})
	require.NoError(t, err)
	require.False(t, m.HasCredential())

	_, err = m.Token(context.Background())
	require.Error(t, err)
}

func TestManagerIncludeProfileArn(t *testing.T) {
	m := NewManagerFromToken("rt", "")
	require.True(t, m.IncludeProfileArn(), "social credentials carry the profile ARN")

	m2, err := NewManager(ManagerOptions{RefreshToken: "rt"})
	require.NoError(t, err)
	m2.mu.Lock()
	m2.clientID, m2.clientSecret = "cid", "csec"
	m2.mu.Unlock()
	require.False(t, m2.IncludeProfileArn(), "IdC credentials omit the profile ARN")
}

func TestManagerRefreshFailureKeepsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManagerFromToken("rt", "")
	m.authService = func(string) string { return srv.URL }
	m.mu.Lock()
	m.accessToken = "still-good"
	m.expiresAt = time.Now().Add(2 * time.Hour)
	m.mu.Unlock()

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "still-good", token)

	err = m.ForceRefresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshTokenExpired)
}
