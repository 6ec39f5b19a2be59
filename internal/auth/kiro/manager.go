package kiro

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/account"
)

// Manager holds a single Kiro credential: the one configured through the
// environment or a credentials file, or a per-request credential built from
// a client-supplied refresh token. It refreshes lazily inside Token and,
// when Start is called, proactively on an expiration-aware schedule.
type Manager struct {
	mu        sync.Mutex
	refreshMu sync.Mutex

	accessToken  string
	refreshToken string
	profileArn   string
	region       string
	authMethod   string
	provider     string
	clientID     string
	clientSecret string
	expiresAt    time.Time

	credsFile  string
	httpClient *http.Client

	fallbackInterval time.Duration
	stop             chan struct{}
	stopOnce         sync.Once

	// Overridable in tests.
	authService  func(region string) string
	oidcEndpoint func(region string) string
}

// ManagerOptions seeds a Manager. CredsFile, when set, is loaded first and
// then overlaid by any non-empty explicit fields.
type ManagerOptions struct {
	RefreshToken     string
	ProfileArn       string
	Region           string
	CredsFile        string
	FallbackInterval time.Duration
}

// NewManager builds a manager from the options. A credentials file that
// cannot be read is an error; running without any refresh token is not,
// because per-request mode configures no gateway credential at all.
func NewManager(opts ManagerOptions) (*Manager, error) {
	m := &Manager{
		refreshToken:     opts.RefreshToken,
		profileArn:       opts.ProfileArn,
		region:           opts.Region,
		credsFile:        opts.CredsFile,
		fallbackInterval: opts.FallbackInterval,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		stop:             make(chan struct{}),
		authService:      authServiceURL,
		oidcEndpoint:     oidcEndpointURL,
	}
	if m.fallbackInterval <= 0 {
		m.fallbackInterval = 1800 * time.Second
	}
	if opts.CredsFile != "" {
		creds, err := LoadCredentialsFile(opts.CredsFile)
		if err != nil {
			return nil, err
		}
		m.applyCredentials(creds)
		// Explicit settings win over the file.
		if opts.RefreshToken != "" {
			m.refreshToken = opts.RefreshToken
		}
		if opts.ProfileArn != "" {
			m.profileArn = opts.ProfileArn
		}
		if opts.Region != "" {
			m.region = opts.Region
		}
	}
	if m.region == "" {
		m.region = account.DefaultRegion
	}
	return m, nil
}

// NewManagerFromToken builds a per-request manager around a client-supplied
// refresh token. It starts with no access token; validation happens through
// the first refresh.
func NewManagerFromToken(refreshToken, region string) *Manager {
	if region == "" {
		region = account.DefaultRegion
	}
	return &Manager{
		refreshToken: refreshToken,
		region:       region,
		authMethod:   account.AuthMethodSocial,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		stop:         make(chan struct{}),
		authService:  authServiceURL,
		oidcEndpoint: oidcEndpointURL,
	}
}

func (m *Manager) applyCredentials(creds *CredentialsFile) {
	m.accessToken = creds.AccessToken
	m.refreshToken = creds.RefreshToken
	m.profileArn = creds.ProfileArn
	m.region = creds.Region
	m.authMethod = creds.AuthMethod
	m.provider = creds.Provider
	m.clientID = creds.ClientID
	m.clientSecret = creds.ClientSecret
	m.expiresAt = creds.Expiry()
}

// HasCredential reports whether the manager carries anything refreshable.
func (m *Manager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken != ""
}

// ProfileArn returns the profile ARN, when known.
func (m *Manager) ProfileArn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileArn
}

// Region returns the credential region.
func (m *Manager) Region() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.region
}

// IncludeProfileArn reports whether the profile ARN goes in request bodies.
// SSO-OIDC credentials must not send it.
func (m *Manager) IncludeProfileArn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID == "" || m.clientSecret == ""
}

// ExpiresIn returns the remaining token lifetime and whether it is known.
func (m *Manager) ExpiresIn(now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiresAt.IsZero() {
		return 0, false
	}
	return m.expiresAt.Sub(now), true
}

// Token returns a valid access token, refreshing first when the cached one
// is missing or inside the refresh threshold.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	token := m.accessToken
	valid := token != "" && !m.expiresAt.IsZero() && time.Until(m.expiresAt) > RefreshThreshold
	m.mu.Unlock()
	if valid {
		return token, nil
	}
	if err := m.ForceRefresh(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken, nil
}

// ForceRefresh refreshes the credential unconditionally. Client credentials
// select the SSO-OIDC protocol; otherwise the Kiro desktop endpoint is used.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	// One refresh at a time; concurrent callers wait rather than racing
	// the upstream.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	refreshToken := m.refreshToken
	region := m.region
	clientID, clientSecret := m.clientID, m.clientSecret
	m.mu.Unlock()

	if refreshToken == "" {
		return ErrMissingRefreshToken
	}

	var (
		result *TokenResult
		err    error
	)
	if clientID != "" && clientSecret != "" {
		result, err = refreshOIDC(ctx, m.httpClient, m.oidcEndpoint(region), clientID, clientSecret, refreshToken)
	} else {
		result, err = refreshSocial(ctx, m.httpClient, m.authService(region), refreshToken)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		m.refreshToken = result.RefreshToken
	}
	if result.ProfileArn != "" {
		m.profileArn = result.ProfileArn
	}
	if result.ExpiresAt.After(m.expiresAt) {
		m.expiresAt = result.ExpiresAt
	}
	credsFile := m.credsFile
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	log.Infof("token refreshed, expires %s", result.ExpiresAt.Format(time.RFC3339))

	if credsFile != "" {
		if err := SaveCredentialsFile(credsFile, snapshot); err != nil {
			log.WithError(err).Warn("could not persist refreshed credentials")
		}
	}
	return nil
}

// snapshotLocked builds the file representation of the current credential.
// Caller holds m.mu.
func (m *Manager) snapshotLocked() *CredentialsFile {
	return &CredentialsFile{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		ProfileArn:   m.profileArn,
		ExpiresAt:    m.expiresAt.UTC().Format(time.RFC3339),
		AuthMethod:   m.authMethod,
		Provider:     m.provider,
		Region:       m.region,
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
	}
}

// Start runs the background refresh loop: an immediate sweep when the token
// is already due, then sleeps sized by the remaining lifetime.
func (m *Manager) Start() {
	go m.refreshLoop()
}

// Stop terminates the background refresh loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) refreshLoop() {
	ctx := context.Background()

	due := func() bool {
		ttl, known := m.ExpiresIn(time.Now())
		return !known || ttl <= RefreshThreshold
	}

	if due() {
		log.Info("token needs refresh on startup, refreshing now")
		if err := m.ForceRefresh(ctx); err != nil {
			log.WithError(err).Error("initial token refresh failed")
		}
	}

	for {
		ttl, known := m.ExpiresIn(time.Now())
		delay := NextRefreshDelay(ttl, known, m.fallbackInterval)
		log.Debugf("next token refresh check in %s", delay)
		select {
		case <-time.After(delay):
		case <-m.stop:
			return
		}
		if !due() {
			continue
		}
		if err := m.ForceRefresh(ctx); err != nil {
			log.WithError(err).Error("token refresh failed")
			select {
			case <-time.After(MinRefreshInterval):
			case <-m.stop:
				return
			}
		}
	}
}

var _ Credential = (*Manager)(nil)

// Validate performs a refresh round-trip, proving the refresh token works.
func (m *Manager) Validate(ctx context.Context) error {
	if err := m.ForceRefresh(ctx); err != nil {
		return fmt.Errorf("credential validation failed: %w", err)
	}
	return nil
}
