// Package pool distributes chat requests across stored Kiro accounts with
// round-robin selection and keeps their tokens fresh with a background
// sweep.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/account"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
	"github.com/router-for-me/KiroGateway/internal/store"
)

// RefreshInterval is the fixed cadence of the pool-level refresh sweep.
const RefreshInterval = 300 * time.Second

// ErrNoAccounts is returned by Next when the pool is empty.
var ErrNoAccounts = errors.New("no active accounts available")

// Pool selects accounts round-robin over the active records, ordered by id.
// Records are cached in memory; refreshes update the cache and the store
// together so a request never sees a new token with a stale expiry.
type Pool struct {
	mu        sync.Mutex
	store     store.Store
	refresher *kiro.Refresher
	ids       []int64
	records   map[int64]*account.Record
	cursor    int

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a pool over s, refreshing through r.
func New(s store.Store, r *kiro.Refresher) *Pool {
	return &Pool{
		store:     s,
		refresher: r,
		records:   make(map[int64]*account.Record),
		stop:      make(chan struct{}),
	}
}

// Load (re)reads the active accounts from the store. The rotation order is
// ascending id; the cursor resets so the next request starts from the
// lowest id.
func (p *Pool) Load(ctx context.Context) error {
	recs, err := p.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = p.ids[:0]
	p.records = make(map[int64]*account.Record, len(recs))
	for _, rec := range recs {
		p.ids = append(p.ids, rec.ID)
		p.records[rec.ID] = rec
	}
	p.cursor = 0
	log.Infof("account pool loaded with %d active accounts", len(recs))
	return nil
}

// Size returns the number of accounts in rotation.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// Next returns a copy of the account at the cursor and advances it. Usage
// accounting is written back asynchronously so selection never waits on the
// store.
func (p *Pool) Next(ctx context.Context) (*account.Record, error) {
	p.mu.Lock()
	if len(p.ids) == 0 {
		p.mu.Unlock()
		return nil, ErrNoAccounts
	}
	id := p.ids[p.cursor%len(p.ids)]
	p.cursor = (p.cursor + 1) % len(p.ids)
	rec := p.records[id]
	rec.RequestCount++
	rec.LastUsedAt = time.Now().UTC()
	out := rec.Clone()
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.TouchUsage(ctx, id); err != nil {
			log.WithError(err).Warnf("could not record usage for account %d", id)
		}
	}()
	return out, nil
}

// Get returns the cached record for id.
func (p *Pool) Get(id int64) (*account.Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// UpdateRecord replaces the cached copy after a refresh. Token and expiry
// change together under the pool lock.
func (p *Pool) UpdateRecord(rec *account.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.ID]; ok {
		p.records[rec.ID] = rec.Clone()
	}
}

// Remove drops an account from rotation, fixing the cursor so the order of
// the survivors is unchanged.
func (p *Pool) Remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.ids {
		if existing != id {
			continue
		}
		p.ids = append(p.ids[:i], p.ids[i+1:]...)
		delete(p.records, id)
		if i < p.cursor {
			p.cursor--
		}
		if len(p.ids) == 0 {
			p.cursor = 0
		} else {
			p.cursor %= len(p.ids)
		}
		return
	}
}

// RefreshOne refreshes a single account immediately, regardless of expiry.
func (p *Pool) RefreshOne(ctx context.Context, id int64) error {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	updated, err := p.refresher.Refresh(ctx, rec)
	if err != nil {
		return err
	}
	p.UpdateRecord(updated)
	return nil
}

// RefreshExpiring refreshes every account whose token is inside the refresh
// threshold, or every account when force is set. It returns the number of
// successful refreshes; individual failures are logged and skip to the next
// account.
func (p *Pool) RefreshExpiring(ctx context.Context, force bool) int {
	p.mu.Lock()
	candidates := make([]*account.Record, 0, len(p.ids))
	for _, id := range p.ids {
		rec := p.records[id]
		if force || rec.ExpiringSoon(time.Now()) {
			candidates = append(candidates, rec.Clone())
		}
	}
	p.mu.Unlock()

	refreshed := 0
	for _, rec := range candidates {
		updated, err := p.refresher.Refresh(ctx, rec)
		if err != nil {
			log.WithError(err).Warnf("refresh failed for account %d", rec.ID)
			continue
		}
		p.UpdateRecord(updated)
		refreshed++
	}
	if refreshed > 0 {
		log.Infof("refreshed %d account token(s)", refreshed)
	}
	return refreshed
}

// Start runs the background sweep: one immediately, then every
// RefreshInterval.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		p.RefreshExpiring(ctx, false)
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.RefreshExpiring(ctx, false)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Credential wraps a selected record for the upstream client. Token is
// valid-now or refreshed through the pool's refresher, and the refreshed
// record flows back into the pool cache.
type Credential struct {
	pool *Pool
	rec  *account.Record
}

// NewCredential builds the request credential for a selected record.
func (p *Pool) NewCredential(rec *account.Record) *Credential {
	return &Credential{pool: p, rec: rec}
}

// AccountID returns the backing record id.
func (c *Credential) AccountID() int64 { return c.rec.ID }

// Token returns a valid access token, refreshing through the store when the
// cached one is missing or expiring.
func (c *Credential) Token(ctx context.Context) (string, error) {
	if c.rec.AccessToken != "" && c.rec.TokenValid(time.Now()) && !c.rec.ExpiringSoon(time.Now()) {
		return c.rec.AccessToken, nil
	}
	if err := c.ForceRefresh(ctx); err != nil {
		return "", err
	}
	return c.rec.AccessToken, nil
}

// ForceRefresh refreshes the record unconditionally.
func (c *Credential) ForceRefresh(ctx context.Context) error {
	updated, err := c.pool.refresher.Refresh(ctx, c.rec)
	if err != nil {
		return err
	}
	c.rec = updated
	c.pool.UpdateRecord(updated)
	return nil
}

// ProfileArn returns the record's profile ARN.
func (c *Credential) ProfileArn() string { return c.rec.ProfileArn }

// Region returns the record's region.
func (c *Credential) Region() string { return c.rec.EffectiveRegion() }

// IncludeProfileArn reports whether the profile ARN goes in request bodies;
// SSO-OIDC records must not send it.
func (c *Credential) IncludeProfileArn() bool { return !c.rec.HasClientCredentials() }

var _ kiro.Credential = (*Credential)(nil)
