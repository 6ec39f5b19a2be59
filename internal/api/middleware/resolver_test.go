package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroGateway/internal/account"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
	"github.com/router-for-me/KiroGateway/internal/pool"
	"github.com/router-for-me/KiroGateway/internal/store"
)

func testContext(t *testing.T, headers map[string]string) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c
}

func TestHashToken(t *testing.T) {
	a := hashToken("token-a")
	require.Len(t, a, 16)
	require.Equal(t, a, hashToken("token-a"))
	require.NotEqual(t, a, hashToken("token-b"))
}

func TestResolveMissingBearer(t *testing.T) {
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })

	_, err := r.Resolve(testContext(t, nil))
	require.ErrorIs(t, err, ErrMissingBearer)

	_, err = r.Resolve(testContext(t, map[string]string{"Authorization": "Bearer "}))
	require.ErrorIs(t, err, ErrMissingBearer)

	_, err = r.Resolve(testContext(t, map[string]string{"Authorization": "Basic dXNlcg=="}))
	require.ErrorIs(t, err, ErrMissingBearer)
}

func TestResolveBearerCacheHit(t *testing.T) {
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })

	// A cached credential is reused without revalidation.
	cached := kiro.NewManagerFromToken("known-token", "")
	r.cache[hashToken("known-token")] = &cachedManager{manager: cached, lastUsed: time.Now()}

	cred, err := r.Resolve(testContext(t, map[string]string{"Authorization": "Bearer known-token"}))
	require.NoError(t, err)
	require.Same(t, cached, cred)
	require.Equal(t, 1, r.CacheSize())
}

func TestResolverEvictsIdleCredentials(t *testing.T) {
	base := time.Now()
	now := base
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })
	r.now = func() time.Time { return now }

	r.cache[hashToken("idle")] = &cachedManager{manager: kiro.NewManagerFromToken("idle", ""), lastUsed: base}
	recent := kiro.NewManagerFromToken("recent", "")
	r.cache[hashToken("recent")] = &cachedManager{manager: recent, lastUsed: base.Add(400 * time.Second)}
	r.lastSweep = base

	// Past the sweep interval: the idle entry is over its TTL and goes,
	// the recently used one survives.
	now = base.Add(601 * time.Second)
	cred, err := r.Resolve(testContext(t, map[string]string{"Authorization": "Bearer recent"}))
	require.NoError(t, err)
	require.Same(t, recent, cred)
	require.Equal(t, 1, r.CacheSize())
}

// A stale entry must not be served just because the periodic sweep is not
// due yet: the TTL is checked on every lookup and the token revalidates.
func TestResolverStaleEntryRevalidatesOnLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "at", "expiresIn": 3600})
	}))
	defer srv.Close()
	t.Setenv("KIRO_AUTH_BASE_URL", srv.URL)
	t.Setenv("KIRO_OIDC_BASE_URL", srv.URL)

	base := time.Now()
	now := base
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })
	r.now = func() time.Time { return now }
	r.lastSweep = base

	stale := kiro.NewManagerFromToken("stale", "")
	r.cache[hashToken("stale")] = &cachedManager{manager: stale, lastUsed: base}

	// Idle just past the TTL, well inside the sweep interval.
	now = base.Add(bearerCacheTTL + time.Second)
	cred, err := r.Resolve(testContext(t, map[string]string{"Authorization": "Bearer stale"}))
	require.NoError(t, err)
	require.NotSame(t, stale, cred, "idle entry past its TTL must not be served")
	require.Equal(t, 1, r.CacheSize(), "revalidated token replaces the stale entry")
}

// The sweep itself stays rate limited: entries that are never looked up
// linger in the map between sweeps, they are just unservable.
func TestResolverSweepIsRateLimited(t *testing.T) {
	base := time.Now()
	now := base
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })
	r.now = func() time.Time { return now }
	r.lastSweep = base

	r.cache[hashToken("idle")] = &cachedManager{manager: kiro.NewManagerFromToken("idle", ""), lastUsed: base.Add(-time.Hour)}
	fresh := kiro.NewManagerFromToken("fresh", "")
	r.cache[hashToken("fresh")] = &cachedManager{manager: fresh, lastUsed: base}

	now = base.Add(10 * time.Second)
	cred, err := r.Resolve(testContext(t, map[string]string{"Authorization": "Bearer fresh"}))
	require.NoError(t, err)
	require.Same(t, fresh, cred)
	require.Equal(t, 2, r.CacheSize(), "untouched entries wait for the next sweep")
}

func TestInvalidate(t *testing.T) {
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })
	r.cache[hashToken("tok")] = &cachedManager{manager: kiro.NewManagerFromToken("tok", ""), lastUsed: time.Now()}

	r.Invalidate("tok")
	require.Zero(t, r.CacheSize())
}

func TestInvalidateBearer(t *testing.T) {
	r := NewResolver(nil, nil, func() bool { return true }, func() string { return "" })
	r.cache[hashToken("tok")] = &cachedManager{manager: kiro.NewManagerFromToken("tok", ""), lastUsed: time.Now()}

	// No bearer header: nothing happens.
	r.InvalidateBearer(testContext(t, nil))
	require.Equal(t, 1, r.CacheSize())

	r.InvalidateBearer(testContext(t, map[string]string{"Authorization": "Bearer tok"}))
	require.Zero(t, r.CacheSize())
}

func TestResolvePrefersPool(t *testing.T) {
	st, err := store.OpenFile(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)
	_, err = st.Insert(context.Background(), &account.Record{
		Name: "pooled", AuthMethod: account.AuthMethodSocial, RefreshToken: "rt", IsActive: true,
	})
	require.NoError(t, err)

	p := pool.New(st, nil)
	require.NoError(t, p.Load(context.Background()))

	manager := kiro.NewManagerFromToken("rt-single", "")
	r := NewResolver(p, manager, func() bool { return false }, func() string { return "" })

	cred, err := r.Resolve(testContext(t, nil))
	require.NoError(t, err)
	pc, ok := cred.(*pool.Credential)
	require.True(t, ok, "pool accounts outrank the single credential")
	require.Equal(t, int64(1), pc.AccountID())
}

func TestResolveFallsBackToManager(t *testing.T) {
	manager := kiro.NewManagerFromToken("rt-single", "")
	r := NewResolver(nil, manager, func() bool { return false }, func() string { return "" })

	cred, err := r.Resolve(testContext(t, nil))
	require.NoError(t, err)
	require.Same(t, manager, cred)
}

func TestResolveNoCredential(t *testing.T) {
	r := NewResolver(nil, nil, func() bool { return false }, func() string { return "" })
	_, err := r.Resolve(testContext(t, nil))
	require.ErrorIs(t, err, ErrNoCredential)
}
