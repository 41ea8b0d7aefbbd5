package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/code-craka/upi-payment-app-sub000/breaker"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/store/identity"
	"github.com/code-craka/upi-payment-app-sub000/store/secondary"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

type _chainSuite struct {
	suite.Suite
	store *cache.StoreMock
	idp   *identity.StoreMock
	db    *secondary.StoreMock
	chain *Chain
	ctx   context.Context
}

func (s *_chainSuite) SetupTest() {
	s.store = cache.NewStoreMock()
	s.idp = identity.NewStoreMock()
	s.db = secondary.NewStoreMock()
	reg := breaker.NewRegistry(s.store, breaker.Config{FailureThreshold: 100})
	s.chain = NewChain(Config{
		StaleMaxAge:         30 * time.Minute,
		TrustLatencyCeiling: 10 * time.Second,
	}, s.store, s.idp, s.db, reg, timeout.NewPolicy(nil))
	s.ctx = context.Background()
}

func (s *_chainSuite) killCache() {
	down := errors.New("redis down")
	s.store.SetFailure("role_get", down)
	s.store.SetFailure("role_get_stale", down)
	s.store.SetFailure("role_put", down)
}

func (s *_chainSuite) TestCacheHitAnswersFirst() {
	s.store.Seed(&define.RoleRecord{
		UserId: "u1", Role: define.RoleAdmin, Version: 4, LastModified: time.Now(),
	})
	s.idp.SeedUser("u1", define.RoleViewer) // divergent, must not be consulted

	res, err := s.chain.ResolveRole(s.ctx, "u1")
	s.Nil(err)
	s.Equal(define.RoleAdmin, res.Role)
	s.Equal(define.AuthTierCache, res.Tier)
	s.Equal(0, res.FallbackLevel)
	s.True(res.Cached)
	s.False(res.Stale)
	s.Equal(int64(4), res.Version)
}

func (s *_chainSuite) TestCacheMissFallsToIdentity() {
	s.idp.SeedUser("u1", define.RoleMerchant)

	res, err := s.chain.ResolveRole(s.ctx, "u1")
	s.Nil(err)
	s.Equal(define.RoleMerchant, res.Role)
	s.Equal(define.AuthTierClerk, res.Tier)
	s.Equal(1, res.FallbackLevel)

	// authoritative answer repopulates the cache for the next read
	rec, gerr := s.store.Get(s.ctx, "u1")
	s.Nil(gerr)
	s.Equal(define.RoleMerchant, rec.Role)
}

func (s *_chainSuite) TestIdentityDownFallsToDatabase() {
	s.killCache()
	s.idp.GetErr = define.ErrUnavailable
	s.db.SeedUser("u1", define.RoleViewer)

	res, err := s.chain.ResolveRole(s.ctx, "u1")
	s.Nil(err)
	s.Equal(define.RoleViewer, res.Role)
	s.Equal(define.AuthTierDatabase, res.Tier)
	s.Equal(2, res.FallbackLevel)
}

func (s *_chainSuite) TestStaleCacheIsFourthTier() {
	s.store.Seed(&define.RoleRecord{
		UserId: "u1", Role: define.RoleMerchant, Version: 2, LastModified: time.Now().Add(-10 * time.Minute),
	})
	s.store.DropFresh("u1")
	s.idp.GetErr = define.ErrUnavailable
	s.db.FindErr = define.ErrUnavailable

	res, err := s.chain.ResolveRole(s.ctx, "u1")
	s.Nil(err)
	s.Equal(define.RoleMerchant, res.Role)
	s.Equal(define.AuthTierStale, res.Tier)
	s.Equal(3, res.FallbackLevel)
	s.True(res.Stale)
}

func (s *_chainSuite) TestStaleOlderThanBoundIsRejected() {
	s.store.Seed(&define.RoleRecord{
		UserId: "u1", Role: define.RoleMerchant, Version: 2, LastModified: time.Now().Add(-2 * time.Hour),
	})
	s.store.DropFresh("u1")
	s.idp.GetErr = define.ErrUnavailable
	s.db.FindErr = define.ErrUnavailable

	res, err := s.chain.ResolveRole(s.ctx, "u1")
	s.Nil(err)
	s.Equal(define.AuthTierDegraded, res.Tier)
}

func (s *_chainSuite) TestDegradedModeWhenEverythingIsDown() {
	s.killCache()
	s.idp.GetErr = define.ErrUnavailable
	s.db.FindErr = define.ErrUnavailable

	res, err := s.chain.ResolveRole(s.ctx, "u1")
	s.Nil(err)
	s.Equal(define.RoleReadOnly, res.Role)
	s.Equal(define.AuthTierDegraded, res.Tier)
	s.Equal(4, res.FallbackLevel)
	s.True(res.Degraded)
}

func (s *_chainSuite) TestUnknownUserIsNotFound() {
	_, err := s.chain.ResolveRole(s.ctx, "nobody")
	s.True(errors.Is(err, define.ErrNotFound))
}

func (s *_chainSuite) TestTrustGate() {
	trusted := &Resolution{
		UserId: "u1", Role: define.RoleAdmin,
		Tier: define.AuthTierCache, FallbackLevel: 0, Cached: true,
		Latency: time.Millisecond,
	}
	s.True(s.chain.ShouldTrustForSensitiveOperations(trusted))

	fromIdentity := &Resolution{
		UserId: "u1", Role: define.RoleAdmin,
		Tier: define.AuthTierClerk, FallbackLevel: 1,
		Latency: time.Millisecond,
	}
	s.True(s.chain.ShouldTrustForSensitiveOperations(fromIdentity))

	stale := *trusted
	stale.Stale = true
	s.False(s.chain.ShouldTrustForSensitiveOperations(&stale))

	degraded := *trusted
	degraded.Degraded = true
	degraded.Role = define.RoleReadOnly
	s.False(s.chain.ShouldTrustForSensitiveOperations(&degraded))

	deepFallback := *trusted
	deepFallback.FallbackLevel = 2
	s.False(s.chain.ShouldTrustForSensitiveOperations(&deepFallback))

	restricted := *trusted
	restricted.Role = define.RoleGuest
	s.False(s.chain.ShouldTrustForSensitiveOperations(&restricted))

	slow := *trusted
	slow.Latency = time.Minute
	s.False(s.chain.ShouldTrustForSensitiveOperations(&slow))

	s.False(s.chain.ShouldTrustForSensitiveOperations(nil))
}

func TestChainSuite(t *testing.T) {
	suite.Run(t, new(_chainSuite))
}
