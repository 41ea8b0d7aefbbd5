// Package auth resolves a user's role through a fixed fallback chain:
// fresh cache, then the identity provider, then secondary persistence, then
// stale cache, then degraded mode. Every tier runs under its own timeout so
// the chain as a whole degrades instead of hanging, and the resolution
// records which tier answered so sensitive operations can refuse weak ones.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/code-craka/upi-payment-app-sub000/breaker"
	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/store/identity"
	"github.com/code-craka/upi-payment-app-sub000/store/secondary"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

var (
	resolveTimer = metrics.NewTimer("role", "auth", "resolve", "role resolution timer", []string{"tier", "ret"})
	tierCounter  = metrics.NewCounterVec("role", "auth", "tier", "answering tier", []string{"tier"})
	trustCounter = metrics.NewCounterVec("role", "auth", "trust", "sensitive-op trust decisions", []string{"ret"})
)

type Config struct {
	StaleMaxAge  time.Duration `json:"stale_max_age"`
	DegradedRole string        `json:"degraded_role"`
	// TrustLatencyCeiling bounds how slow a resolution may be and still be
	// trusted for sensitive operations; a slow answer suggests the fast path
	// is sick and the data may already be behind.
	TrustLatencyCeiling time.Duration `json:"trust_latency_ceiling"`
}

func (c *Config) withDefaults() {
	if c.StaleMaxAge <= 0 {
		c.StaleMaxAge = 30 * time.Minute
	}
	if c.DegradedRole == "" {
		c.DegradedRole = define.RoleReadOnly
	}
	if c.TrustLatencyCeiling <= 0 {
		c.TrustLatencyCeiling = 150 * time.Millisecond
	}
}

// Resolution is the answer plus its provenance.
type Resolution struct {
	UserId        string        `json:"user_id"`
	Role          string        `json:"role"`
	Version       int64         `json:"version,omitempty"`
	Tier          string        `json:"tier"`
	FallbackLevel int           `json:"fallback_level"`
	Cached        bool          `json:"cached"`
	Stale         bool          `json:"stale"`
	Degraded      bool          `json:"degraded"`
	Latency       time.Duration `json:"latency"`
	ResolvedAt    time.Time     `json:"resolved_at"`
}

type Chain struct {
	cfg      Config
	roles    cache.RoleCache
	identity identity.Store
	db       secondary.Store
	breakers *breaker.Registry
	policy   *timeout.Policy

	// collapses concurrent cache-miss resolutions for one user into a
	// single walk of the slower tiers
	group singleflight.Group
}

// NewChain builds the resolver. db may be nil; the database tier is then
// skipped.
func NewChain(cfg Config, roles cache.RoleCache, idStore identity.Store,
	db secondary.Store, breakers *breaker.Registry, policy *timeout.Policy) *Chain {
	cfg.withDefaults()
	return &Chain{
		cfg:      cfg,
		roles:    roles,
		identity: idStore,
		db:       db,
		breakers: breakers,
		policy:   policy,
	}
}

// ResolveRole walks the chain and returns the first tier that answers.
// The error return is non-nil only when every tier failed and no degraded
// role is configured.
func (c *Chain) ResolveRole(ctx context.Context, userId string) (res *Resolution, err error) {
	start := time.Now()
	defer func() {
		tier := "none"
		if res != nil {
			res.Latency = time.Since(start)
			res.ResolvedAt = time.Now()
			tier = res.Tier
			tierCounter.Inc(tier)
		}
		resolveTimer.Observe(time.Since(start), tier, metrics.Status(err))
	}()

	if userId == "" {
		return nil, define.ErrInvalidRequest
	}

	// level 0, the sub-millisecond happy path; no singleflight, a fresh
	// cache hit is cheaper than the coordination
	rec, cerr := c.freshCache(ctx, userId)
	if cerr == nil && rec != nil {
		return &Resolution{
			UserId:  userId,
			Role:    rec.Role,
			Version: rec.Version,
			Tier:    define.AuthTierCache,
			Cached:  true,
		}, nil
	}
	if cerr != nil {
		logutil.Logger(ctx).Sugar().Debugf("cache tier missed : user(%s), error(%v)", userId, cerr)
	}

	v, serr, _ := c.group.Do(userId, func() (interface{}, error) {
		return c.resolveSlow(ctx, userId)
	})
	if serr != nil {
		return nil, serr
	}
	shared := v.(*Resolution)
	// each caller gets its own copy; latency and timestamps differ
	out := *shared
	return &out, nil
}

// resolveSlow walks levels 1..4.
func (c *Chain) resolveSlow(ctx context.Context, userId string) (*Resolution, error) {
	var tierErrs []error

	// level 1, the source of truth
	if res, err := c.fromIdentity(ctx, userId); err == nil {
		return res, nil
	} else if errors.Is(err, define.ErrNotFound) {
		return nil, err
	} else {
		tierErrs = append(tierErrs, err)
	}

	// level 2, secondary persistence
	if c.db != nil {
		if res, err := c.fromDatabase(ctx, userId); err == nil {
			return res, nil
		} else if errors.Is(err, define.ErrNotFound) {
			return nil, err
		} else {
			tierErrs = append(tierErrs, err)
		}
	}

	// level 3, stale cache within the configured age bound
	if res, err := c.fromStaleCache(ctx, userId); err == nil {
		return res, nil
	} else {
		tierErrs = append(tierErrs, err)
	}

	// level 4, degraded mode: a restricted role rather than a refusal
	logutil.Logger(ctx).Sugar().Warnf("all auth tiers failed, serving degraded : user(%s), errors(%v)",
		userId, tierErrs)
	if c.cfg.DegradedRole != "" {
		return &Resolution{
			UserId:        userId,
			Role:          c.cfg.DegradedRole,
			Tier:          define.AuthTierDegraded,
			FallbackLevel: 4,
			Degraded:      true,
		}, nil
	}
	return nil, fmt.Errorf("%w : %v", define.ErrAuthUnresolved, tierErrs)
}

func (c *Chain) freshCache(ctx context.Context, userId string) (*define.RoleRecord, error) {
	return timeout.WithTimeout(ctx, "auth_cache_get",
		c.policy.For(define.ServiceRedis, define.OpClassFast),
		func(ctx context.Context) (*define.RoleRecord, error) {
			return c.roles.Get(ctx, userId)
		}, nil)
}

func (c *Chain) fromIdentity(ctx context.Context, userId string) (*Resolution, error) {
	brk := c.breakers.Get(define.ServiceClerk)
	var user *define.UserAttributes
	err := brk.Execute(ctx, func(ctx context.Context) error {
		var ierr error
		user, ierr = timeout.WithTimeout(ctx, "auth_clerk_get",
			c.policy.For(define.ServiceClerk, define.OpClassStandard),
			func(ctx context.Context) (*define.UserAttributes, error) {
				return c.identity.GetUser(ctx, userId)
			}, nil)
		return ierr
	})
	if err != nil {
		return nil, err
	}
	c.writeBack(ctx, userId, user.Role)
	return &Resolution{
		UserId:        userId,
		Role:          user.Role,
		Tier:          define.AuthTierClerk,
		FallbackLevel: 1,
	}, nil
}

func (c *Chain) fromDatabase(ctx context.Context, userId string) (*Resolution, error) {
	brk := c.breakers.Get(define.ServiceDatabase)
	var rec *define.UserRecord
	err := brk.Execute(ctx, func(ctx context.Context) error {
		var derr error
		rec, derr = timeout.WithTimeout(ctx, "auth_db_get",
			c.policy.For(define.ServiceDatabase, define.OpClassStandard),
			func(ctx context.Context) (*define.UserRecord, error) {
				return c.db.FindByID(ctx, userId)
			}, nil)
		return derr
	})
	if err != nil {
		return nil, err
	}
	c.writeBack(ctx, userId, rec.Role)
	return &Resolution{
		UserId:        userId,
		Role:          rec.Role,
		Tier:          define.AuthTierDatabase,
		FallbackLevel: 2,
	}, nil
}

func (c *Chain) fromStaleCache(ctx context.Context, userId string) (*Resolution, error) {
	rec, err := timeout.WithTimeout(ctx, "auth_cache_stale",
		c.policy.For(define.ServiceRedis, define.OpClassFast),
		func(ctx context.Context) (*define.RoleRecord, error) {
			return c.roles.GetStale(ctx, userId, c.cfg.StaleMaxAge)
		}, nil)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		UserId:        userId,
		Role:          rec.Role,
		Version:       rec.Version,
		Tier:          define.AuthTierStale,
		FallbackLevel: 3,
		Cached:        true,
		Stale:         true,
	}, nil
}

// writeBack repopulates the fresh cache after an authoritative tier answered.
// Best effort; version is preserved by the store, never lowered.
func (c *Chain) writeBack(ctx context.Context, userId, role string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		c.policy.For(define.ServiceRedis, define.OpClassFast))
	defer cancel()
	err := c.roles.Put(wctx, &define.RoleRecord{
		UserId:     userId,
		Role:       role,
		ModifiedBy: "auth_chain",
	})
	if err != nil {
		logutil.Logger(ctx).Sugar().Debugf("cache write-back failed : user(%s), error(%v)", userId, err)
	}
}

// ShouldTrustForSensitiveOperations gates privileged actions on resolution
// quality: only fresh data from the cache or the source of truth qualifies,
// restricted roles never do, and an abnormally slow answer is rejected even
// when its tier qualifies.
func (c *Chain) ShouldTrustForSensitiveOperations(res *Resolution) bool {
	trusted := res != nil &&
		!res.Degraded &&
		!res.Stale &&
		res.FallbackLevel <= 1 &&
		!define.RestrictedRole(res.Role) &&
		define.ValidRole(res.Role) &&
		res.Latency <= c.cfg.TrustLatencyCeiling
	if trusted {
		trustCounter.Inc("ok")
	} else {
		trustCounter.Inc("rejected")
	}
	return trusted
}
