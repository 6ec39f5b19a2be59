// Package account defines the Kiro credential record shared by the store,
// the refresher and the account pool.
package account

import (
	"time"
)

// Auth method values as stored in the account record. "social" credentials
// refresh through the Kiro desktop endpoint, the other two through AWS
// SSO-OIDC when client credentials are present.
const (
	AuthMethodSocial    = "social"
	AuthMethodBuilderID = "builder-id"
	AuthMethodIdC       = "IdC"
)

// DefaultRegion is used when a record carries no region of its own.
const DefaultRegion = "us-east-1"

// RefreshThreshold is how close to expiry a token may get before it is
// considered due for refresh.
const RefreshThreshold = 600 * time.Second

// Health describes the derived state of a record at a point in time.
type Health string

const (
	HealthInactive     Health = "inactive"
	HealthNoToken      Health = "no_token"
	HealthExpired      Health = "expired"
	HealthExpiringSoon Health = "expiring_soon"
	HealthHealthy      Health = "healthy"
)

// Record is one stored Kiro account. Times are UTC; a zero ExpiresAt means
// the expiry is unknown and the token is treated as already due for refresh.
type Record struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	AuthMethod   string            `json:"auth_method"`
	Provider     string            `json:"provider,omitempty"`
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ProfileArn   string            `json:"profile_arn,omitempty"`
	Region       string            `json:"region,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at,omitzero"`
	CreatedAt    time.Time         `json:"created_at,omitzero"`
	UpdatedAt    time.Time         `json:"updated_at,omitzero"`
	LastUsedAt   time.Time         `json:"last_used_at,omitzero"`
	IsActive     bool              `json:"is_active"`
	RequestCount int64             `json:"request_count"`
	ExtraData    map[string]string `json:"extra_data,omitempty"`
}

// ClientID returns the SSO-OIDC client id carried in extra data, if any.
// Both key spellings occur in stored records.
func (r *Record) ClientID() string {
	if v := r.ExtraData["clientId"]; v != "" {
		return v
	}
	return r.ExtraData["client_id"]
}

// ClientSecret returns the SSO-OIDC client secret carried in extra data, if any.
func (r *Record) ClientSecret() string {
	if v := r.ExtraData["clientSecret"]; v != "" {
		return v
	}
	return r.ExtraData["client_secret"]
}

// HasClientCredentials reports whether the record can use the SSO-OIDC
// refresh protocol. Both halves must be present; either alone is not enough.
func (r *Record) HasClientCredentials() bool {
	return r.ClientID() != "" && r.ClientSecret() != ""
}

// EffectiveRegion returns the record region or the default.
func (r *Record) EffectiveRegion() string {
	if r.Region != "" {
		return r.Region
	}
	return DefaultRegion
}

// TokenValid reports whether the access token is usable at now.
// Unknown expiry counts as invalid.
func (r *Record) TokenValid(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(r.ExpiresAt)
}

// ExpiringSoon reports whether the token expires within RefreshThreshold of
// now. Records with unknown expiry are always due.
func (r *Record) ExpiringSoon(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return true
	}
	return r.ExpiresAt.Sub(now) <= RefreshThreshold
}

// Status derives the record health at now.
func (r *Record) Status(now time.Time) Health {
	switch {
	case !r.IsActive:
		return HealthInactive
	case r.AccessToken == "":
		return HealthNoToken
	case !r.TokenValid(now):
		return HealthExpired
	case r.ExpiringSoon(now):
		return HealthExpiringSoon
	default:
		return HealthHealthy
	}
}

// Clone returns a deep copy. Pool and resolver hand copies to request
// handlers so refreshes cannot race concurrent readers.
func (r *Record) Clone() *Record {
	out := *r
	if r.ExtraData != nil {
		out.ExtraData = make(map[string]string, len(r.ExtraData))
		for k, v := range r.ExtraData {
			out.ExtraData[k] = v
		}
	}
	return &out
}

// Summary is the redacted view returned by the management API.
type Summary struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	AuthMethod   string `json:"auth_method"`
	Provider     string `json:"provider,omitempty"`
	Region       string `json:"region,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	LastUsedAt   string `json:"last_used_at,omitempty"`
	IsActive     bool   `json:"is_active"`
	RequestCount int64  `json:"request_count"`
	Status       Health `json:"status"`
}

// Summarize builds the redacted management view of the record.
func (r *Record) Summarize(now time.Time) Summary {
	s := Summary{
		ID:           r.ID,
		Name:         r.Name,
		AuthMethod:   r.AuthMethod,
		Provider:     r.Provider,
		Region:       r.Region,
		IsActive:     r.IsActive,
		RequestCount: r.RequestCount,
		Status:       r.Status(now),
	}
	if !r.ExpiresAt.IsZero() {
		s.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if !r.LastUsedAt.IsZero() {
		s.LastUsedAt = r.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return s
}
