package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
)

type _breakerSuite struct {
	suite.Suite
	store *cache.StoreMock
	brk   *Breaker
	ctx   context.Context
}

func (s *_breakerSuite) SetupTest() {
	s.store = cache.NewStoreMock()
	s.brk = New(define.ServiceClerk, s.store, Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})
	s.ctx = context.Background()
}

func (s *_breakerSuite) state() string {
	st, err := s.store.Load(s.ctx, define.ServiceClerk)
	s.Nil(err)
	return st.State
}

func (s *_breakerSuite) fail(n int) {
	for i := 0; i < n; i++ {
		s.brk.Record(s.ctx, false)
	}
}

func (s *_breakerSuite) TestClosedAllows() {
	s.Nil(s.brk.Allow(s.ctx))
	s.Equal(define.BreakerClosed, s.state())
}

func (s *_breakerSuite) TestOpensAtThreshold() {
	s.fail(2)
	s.Equal(define.BreakerClosed, s.state())

	s.fail(1)
	s.Equal(define.BreakerOpen, s.state())

	err := s.brk.Allow(s.ctx)
	var open *define.CircuitOpenError
	s.True(errors.As(err, &open))
	s.Equal(define.ServiceClerk, open.Service)
	s.Greater(open.RetryAfter, time.Duration(0))
}

func (s *_breakerSuite) TestSuccessResetsConsecutiveFailures() {
	s.fail(2)
	s.brk.Record(s.ctx, true)
	s.fail(2)
	s.Equal(define.BreakerClosed, s.state())
}

func (s *_breakerSuite) TestHalfOpenAfterRecoveryTimeout() {
	s.fail(3)
	s.store.SetBreakerFailureTime(define.ServiceClerk, time.Now().Add(-time.Minute))

	s.Nil(s.brk.Allow(s.ctx))
	s.Equal(define.BreakerHalfOpen, s.state())
}

func (s *_breakerSuite) TestHalfOpenClosesOnSuccesses() {
	s.fail(3)
	s.store.SetBreakerFailureTime(define.ServiceClerk, time.Now().Add(-time.Minute))
	s.Nil(s.brk.Allow(s.ctx))

	s.brk.Record(s.ctx, true)
	s.Equal(define.BreakerHalfOpen, s.state())
	s.brk.Record(s.ctx, true)
	s.Equal(define.BreakerClosed, s.state())
}

func (s *_breakerSuite) TestHalfOpenReopensOnFailure() {
	s.fail(3)
	s.store.SetBreakerFailureTime(define.ServiceClerk, time.Now().Add(-time.Minute))
	s.Nil(s.brk.Allow(s.ctx))

	s.brk.Record(s.ctx, false)
	s.Equal(define.BreakerOpen, s.state())

	st, err := s.store.Load(s.ctx, define.ServiceClerk)
	s.Nil(err)
	s.Equal(int64(1), st.RecoveryAttempts)
}

func (s *_breakerSuite) TestRecoveryTimeoutGrowsWithAttempts() {
	base := s.brk.recoveryTimeout(0)
	grown := s.brk.recoveryTimeout(3)
	s.Greater(grown, base)

	// capped at the maximum regardless of attempt count
	capped := s.brk.recoveryTimeout(50)
	s.LessOrEqual(capped, time.Duration(float64(s.brk.cfg.MaxRecoveryTimeout)*(1+s.brk.cfg.BackoffJitter)))
}

func (s *_breakerSuite) TestFailOpenOnStoreOutage() {
	s.fail(3)
	s.Equal(define.BreakerOpen, s.state())

	s.store.SetFailure("breaker_load", errors.New("store down"))
	s.store.SetFailure("breaker_gate", errors.New("store down"))
	s.Nil(s.brk.Allow(s.ctx))

	s.store.SetFailure("breaker_load", nil)
	s.store.SetFailure("breaker_gate", nil)
	s.NotNil(s.brk.Allow(s.ctx))
}

func (s *_breakerSuite) TestResetIsIdempotent() {
	s.fail(3)
	s.Nil(s.brk.Reset(s.ctx))
	s.Nil(s.brk.Reset(s.ctx))
	s.Equal(define.BreakerClosed, s.state())
	s.Nil(s.brk.Allow(s.ctx))
}

func (s *_breakerSuite) TestForceOpenAndClose() {
	s.Nil(s.brk.ForceOpen(s.ctx))
	s.NotNil(s.brk.Allow(s.ctx))

	s.Nil(s.brk.ForceClose(s.ctx))
	s.Nil(s.brk.Allow(s.ctx))
}

func (s *_breakerSuite) TestExecuteRecordsOutcome() {
	s.Nil(s.brk.Execute(s.ctx, func(ctx context.Context) error { return nil }))

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		s.Equal(boom, s.brk.Execute(s.ctx, func(ctx context.Context) error { return boom }))
	}
	var open *define.CircuitOpenError
	s.True(errors.As(s.brk.Execute(s.ctx, func(ctx context.Context) error { return nil }), &open))
}

func (s *_breakerSuite) TestRegistryReusesInstances() {
	reg := NewRegistry(s.store, Config{})
	s.Same(reg.Get("redis"), reg.Get("redis"))
	s.NotSame(reg.Get("redis"), reg.Get("clerk"))

	reg.Get("redis").Record(s.ctx, false)
	health := reg.Health(s.ctx)
	s.Len(health, 2)
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(_breakerSuite))
}
