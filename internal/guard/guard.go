// Package guard enforces at-most-one active extraction per external account and tracks account health.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// Default cooldown bounds for rate-limited accounts.
const (
	DefaultCooldownBase = 30 * time.Second
	DefaultCooldownMax  = 15 * time.Minute
)

// Config tunes cooldown behavior.
type Config struct {
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// ExpiredFunc is invoked once an account flips to EXPIRED.
type ExpiredFunc func(ctx context.Context, accountID string, cause error)

type accountState struct {
	health        harvest.Health
	cooldownUntil time.Time
	rateLimits    int
	lease         *Lease
	lastFetch     time.Time
}

// Guard owns the lease table. It is the only cross-worker mutable state in the pipeline.
type Guard struct {
	mu        sync.Mutex
	accounts  map[string]*accountState
	nextToken uint64

	store     harvest.AccountStore
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
	onExpired ExpiredFunc
}

// New builds a guard backed by store for persisted health.
func New(store harvest.AccountStore, clock harvest.Clock, cfg Config, logger *zap.Logger) *Guard {
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = DefaultCooldownBase
	}
	if cfg.CooldownMax < cfg.CooldownBase {
		cfg.CooldownMax = max(DefaultCooldownMax, cfg.CooldownBase)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		accounts: make(map[string]*accountState),
		store:    store,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// OnExpired registers the callback fired when an account expires.
func (g *Guard) OnExpired(fn ExpiredFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpired = fn
}

// Acquire returns a lease, harvest.ErrBusy when one is outstanding or the account is cooling down,
// or harvest.ErrAccountAuthInvalid when the account has expired.
func (g *Guard) Acquire(ctx context.Context, accountID string) (*Lease, error) {
	if err := g.ensure(ctx, accountID); err != nil {
		metrics.ObserveGuardAcquire("error")
		return nil, err
	}

	now := g.clock.Now()
	g.mu.Lock()
	st := g.accounts[accountID]
	recovered := g.recoverLocked(st, now)
	var (
		lease *Lease
		err   error
	)
	switch {
	case st.health == harvest.HealthExpired:
		err = errors.Wrapf(harvest.ErrAccountAuthInvalid, "account %s", accountID)
	case st.health == harvest.HealthDegraded:
		err = errors.Wrapf(harvest.ErrBusy, "account %s cooling down", accountID)
	case st.lease != nil:
		err = errors.Wrapf(harvest.ErrBusy, "account %s leased", accountID)
	default:
		g.nextToken++
		lease = &Lease{AccountID: accountID, AcquiredAt: now, token: g.nextToken, guard: g}
		st.lease = lease
	}
	g.mu.Unlock()

	if recovered {
		g.persist(ctx, accountID, harvest.HealthActive, now)
	}
	switch {
	case lease != nil:
		metrics.ObserveGuardAcquire("acquired")
	case errors.Is(err, harvest.ErrBusy):
		metrics.ObserveGuardAcquire("busy")
	default:
		metrics.ObserveGuardAcquire("expired")
	}
	return lease, err
}

// Release returns the lease. Releasing a revoked or stale lease is a no-op.
func (g *Guard) Release(lease *Lease) {
	if lease == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.accounts[lease.AccountID]; ok && st.lease == lease {
		st.lease = nil
	}
}

// ReportFailure records an account-level failure. It returns the cooldown applied, if any.
func (g *Guard) ReportFailure(ctx context.Context, accountID string, kind harvest.FailureKind) time.Duration {
	if err := g.ensure(ctx, accountID); err != nil {
		g.logger.Warn("account lookup failed", zap.String("account_id", accountID), zap.Error(err))
		g.mu.Lock()
		if _, ok := g.accounts[accountID]; !ok {
			g.accounts[accountID] = &accountState{health: harvest.HealthActive}
		}
		g.mu.Unlock()
	}

	now := g.clock.Now()
	var (
		cooldown time.Duration
		health   harvest.Health
		expired  bool
		notify   ExpiredFunc
	)
	g.mu.Lock()
	st := g.accounts[accountID]
	st.lease = nil
	switch kind {
	case harvest.FailureAuthInvalid:
		expired = st.health != harvest.HealthExpired
		st.health = harvest.HealthExpired
		st.cooldownUntil = time.Time{}
	case harvest.FailureRateLimited:
		if st.health != harvest.HealthExpired {
			st.rateLimits++
			cooldown = g.cooldownFor(st.rateLimits)
			st.health = harvest.HealthDegraded
			st.cooldownUntil = now.Add(cooldown)
		}
	}
	health = st.health
	notify = g.onExpired
	g.mu.Unlock()

	g.persist(ctx, accountID, health, now)
	g.logger.Warn("account failure reported",
		zap.String("account_id", accountID),
		zap.String("kind", string(kind)),
		zap.String("health", string(health)),
		zap.Duration("cooldown", cooldown),
	)
	if expired && notify != nil {
		notify(ctx, accountID, errors.Wrapf(harvest.ErrAccountAuthInvalid, "account %s", accountID))
	}
	return cooldown
}

// ReportSuccess resets the consecutive rate-limit count.
func (g *Guard) ReportSuccess(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.accounts[accountID]; ok {
		st.rateLimits = 0
	}
}

// Health returns the account's current health, applying any due recovery.
func (g *Guard) Health(ctx context.Context, accountID string) (harvest.Health, error) {
	if err := g.ensure(ctx, accountID); err != nil {
		return "", err
	}
	now := g.clock.Now()
	g.mu.Lock()
	st := g.accounts[accountID]
	recovered := g.recoverLocked(st, now)
	health := st.health
	g.mu.Unlock()
	if recovered {
		g.persist(ctx, accountID, health, now)
	}
	return health, nil
}

// CooldownRemaining reports how long leases stay refused for a degraded account.
func (g *Guard) CooldownRemaining(accountID string) time.Duration {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.accounts[accountID]
	if !ok || st.health != harvest.HealthDegraded {
		return 0
	}
	if remaining := st.cooldownUntil.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Reconnect marks an account ACTIVE again after its credentials were refreshed.
func (g *Guard) Reconnect(ctx context.Context, accountID string) error {
	now := g.clock.Now()
	g.mu.Lock()
	st, ok := g.accounts[accountID]
	if !ok {
		st = &accountState{}
		g.accounts[accountID] = st
	}
	st.health = harvest.HealthActive
	st.cooldownUntil = time.Time{}
	st.rateLimits = 0
	st.lease = nil
	g.mu.Unlock()
	if err := g.store.UpdateAccountHealth(ctx, accountID, harvest.HealthActive, now); err != nil {
		return errors.Wrapf(err, "reconnect account %s", accountID)
	}
	return nil
}

// ensure loads the account into the table. The store call happens outside the lock.
func (g *Guard) ensure(ctx context.Context, accountID string) error {
	g.mu.Lock()
	_, ok := g.accounts[accountID]
	g.mu.Unlock()
	if ok {
		return nil
	}

	acct, err := g.store.GetAccount(ctx, accountID)
	if err != nil {
		return errors.Wrapf(err, "load account %s", accountID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.accounts[accountID]; ok {
		return nil
	}
	st := &accountState{health: acct.Health}
	if st.health == "" {
		st.health = harvest.HealthActive
	}
	if st.health == harvest.HealthDegraded {
		st.rateLimits = 1
		st.cooldownUntil = acct.UpdatedAt.Add(g.cfg.CooldownBase)
	}
	g.accounts[accountID] = st
	return nil
}

func (g *Guard) recoverLocked(st *accountState, now time.Time) bool {
	if st.health != harvest.HealthDegraded || now.Before(st.cooldownUntil) {
		return false
	}
	st.health = harvest.HealthActive
	st.cooldownUntil = time.Time{}
	return true
}

func (g *Guard) cooldownFor(consecutive int) time.Duration {
	d := g.cfg.CooldownBase
	for i := 1; i < consecutive; i++ {
		d *= 2
		if d >= g.cfg.CooldownMax {
			return g.cfg.CooldownMax
		}
	}
	return min(d, g.cfg.CooldownMax)
}

func (g *Guard) persist(ctx context.Context, accountID string, health harvest.Health, at time.Time) {
	if err := g.store.UpdateAccountHealth(ctx, accountID, health, at); err != nil {
		g.logger.Warn("persist account health failed",
			zap.String("account_id", accountID),
			zap.String("health", string(health)),
			zap.Error(err),
		)
	}
}
