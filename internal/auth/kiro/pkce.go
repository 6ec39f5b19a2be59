package kiro

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCECodes holds a PKCE verifier/challenge pair for the social OAuth flow.
type PKCECodes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCE creates a cryptographically random code verifier and its
// S256 code challenge as specified in RFC 7636.
func GeneratePKCE() (*PKCECodes, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &PKCECodes{
		CodeVerifier:  verifier,
		CodeChallenge: generateCodeChallenge(verifier),
	}, nil
}

// generateCodeVerifier returns 32 random bytes as URL-safe base64 without
// padding (43 characters).
func generateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// generateCodeChallenge hashes the verifier with SHA256 and encodes it as
// URL-safe base64 without padding.
func generateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// generateState returns the CSRF state token for the redirect flow:
// 16 random bytes, URL-safe base64 without padding.
func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
