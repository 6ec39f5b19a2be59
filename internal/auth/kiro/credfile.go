package kiro

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// CredentialsFile is the auth.json layout written by Kiro desktop logins and
// by this gateway. The underscore-prefixed client credentials come from the
// device-code registration and enable SSO-OIDC refresh.
type CredentialsFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Region       string `json:"region,omitempty"`
	ClientID     string `json:"_clientId,omitempty"`
	ClientSecret string `json:"_clientSecret,omitempty"`
	SavedAt      string `json:"savedAt,omitempty"`
}

// Expiry parses ExpiresAt. A trailing Z and an explicit offset are both
// accepted; absent or malformed values return a zero time.
func (c *CredentialsFile) Expiry() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		log.Warnf("could not parse credentials expiry %q: %v", c.ExpiresAt, err)
		return time.Time{}
	}
	return t.UTC()
}

// LoadCredentialsFile reads and parses a credentials file.
func LoadCredentialsFile(path string) (*CredentialsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds CredentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	return &creds, nil
}

// SaveCredentialsFile writes the credentials with owner-only permissions.
func SaveCredentialsFile(path string, creds *CredentialsFile) error {
	creds.SavedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return nil
}

// CredentialsFromFlow converts a completed OAuth flow into the file layout.
func CredentialsFromFlow(result *FlowResult) *CredentialsFile {
	return &CredentialsFile{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ProfileArn:   result.ProfileArn,
		ExpiresAt:    result.ExpiresAt.UTC().Format(time.RFC3339),
		AuthMethod:   result.AuthMethod,
		Provider:     result.Provider,
		Region:       result.Region,
		ClientID:     result.ClientID,
		ClientSecret: result.ClientSecret,
	}
}
