package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
	"github.com/router-for-me/KiroGateway/internal/pool"
)

// Cache lifetimes for per-request credentials.
const (
	bearerCacheTTL           = 300 * time.Second
	bearerCacheSweepInterval = 600 * time.Second
)

// ErrNoCredential means no upstream credential source is configured.
var ErrNoCredential = errors.New("no upstream credential configured")

// ErrMissingBearer means per-request mode got no usable Authorization header.
var ErrMissingBearer = errors.New("missing bearer token")

type cachedManager struct {
	manager  *kiro.Manager
	lastUsed time.Time
}

// Resolver picks the upstream credential for each request. Priority:
// per-request bearer token (when that mode is on), then the account pool
// when it has accounts, then the single configured credential.
type Resolver struct {
	pool    *pool.Pool
	manager *kiro.Manager

	perRequest func() bool
	region     func() string

	mu        sync.Mutex
	cache     map[string]*cachedManager
	lastSweep time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewResolver builds the resolver. pool and manager may each be nil when the
// corresponding mode is unused.
func NewResolver(p *pool.Pool, m *kiro.Manager, perRequest func() bool, region func() string) *Resolver {
	return &Resolver{
		pool:       p,
		manager:    m,
		perRequest: perRequest,
		region:     region,
		cache:      make(map[string]*cachedManager),
		now:        time.Now,
	}
}

// Resolve returns the credential to use for this request.
func (r *Resolver) Resolve(c *gin.Context) (kiro.Credential, error) {
	if r.perRequest() {
		return r.resolveBearer(c)
	}
	if r.pool != nil && r.pool.Size() > 0 {
		rec, err := r.pool.Next(c.Request.Context())
		if err != nil {
			return nil, err
		}
		log.Debugf("using account %d (%s) for request", rec.ID, rec.Name)
		return r.pool.NewCredential(rec), nil
	}
	if r.manager != nil && r.manager.HasCredential() {
		return r.manager, nil
	}
	return nil, ErrNoCredential
}

// resolveBearer maps the Authorization bearer value (a Kiro refresh token)
// to a cached per-request manager, validating new tokens with a refresh
// round-trip.
func (r *Resolver) resolveBearer(c *gin.Context) (kiro.Credential, error) {
	token, ok := bearerToken(c)
	if !ok {
		return nil, ErrMissingBearer
	}

	key := hashToken(token)
	now := r.now()

	r.mu.Lock()
	r.sweepLocked(now)
	if entry, ok := r.cache[key]; ok {
		// An entry idle past its TTL is dropped on lookup, not only by the
		// rate-limited sweep: the token must revalidate below.
		if now.Sub(entry.lastUsed) > bearerCacheTTL {
			delete(r.cache, key)
		} else {
			entry.lastUsed = now
			manager := entry.manager
			r.mu.Unlock()
			return manager, nil
		}
	}
	r.mu.Unlock()

	manager := kiro.NewManagerFromToken(token, r.region())
	if err := manager.Validate(c.Request.Context()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = &cachedManager{manager: manager, lastUsed: now}
	r.mu.Unlock()
	return manager, nil
}

// Invalidate drops the cached credential for a bearer token, forcing
// revalidation on next use.
func (r *Resolver) Invalidate(token string) {
	r.mu.Lock()
	delete(r.cache, hashToken(token))
	r.mu.Unlock()
}

// InvalidateBearer drops the cache entry for the request's bearer token.
// Called when the upstream rejects a credential that was served from cache.
func (r *Resolver) InvalidateBearer(c *gin.Context) {
	if token, ok := bearerToken(c); ok {
		r.Invalidate(token)
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}

// CacheSize returns the number of cached per-request credentials.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// sweepLocked evicts idle entries, at most once per sweep interval. Caller
// holds r.mu.
func (r *Resolver) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < bearerCacheSweepInterval {
		return
	}
	removed := 0
	for key, entry := range r.cache {
		if now.Sub(entry.lastUsed) > bearerCacheTTL {
			delete(r.cache, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("evicted %d idle per-request credentials", removed)
	}
	r.lastSweep = now
}

// hashToken keys the cache with a short digest so raw tokens never appear
// in keys or logs.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
