// Package breaker implements a circuit breaker whose state lives in shared
// storage, so stateless invocations across many processes see one view of a
// dependency's health.
package breaker

import (
	"context"
	"math"
	"math/rand"
	"time"

	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
)

var (
	stateCounter    = metrics.NewCounterVec("role", "breaker", "transition", "breaker outcomes", []string{"service", "outcome"})
	failOpenCounter = metrics.NewCounterVec("role", "breaker", "fail_open", "breaker store unreachable, traffic allowed", []string{"service"})
	execTimer       = metrics.NewTimer("role", "breaker", "execute", "protected call timer", []string{"service", "ret"})
)

type Config struct {
	FailureThreshold   int64         `json:"failure_threshold"`
	SuccessThreshold   int64         `json:"success_threshold"`
	RecoveryTimeout    time.Duration `json:"recovery_timeout"`
	MaxRecoveryTimeout time.Duration `json:"max_recovery_timeout"`
	BackoffMultiplier  float64       `json:"backoff_multiplier"`
	BackoffJitter      float64       `json:"backoff_jitter"`
}

func (c *Config) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.MaxRecoveryTimeout <= 0 {
		c.MaxRecoveryTimeout = 5 * time.Minute
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.2
	}
}

// Breaker guards one named service. All state lives in the store; the struct
// itself carries no mutable fields and is safe for concurrent use.
type Breaker struct {
	service string
	store   cache.BreakerStore
	cfg     Config
}

func New(service string, store cache.BreakerStore, cfg Config) *Breaker {
	cfg.withDefaults()
	return &Breaker{service: service, store: store, cfg: cfg}
}

func (b *Breaker) Service() string {
	return b.service
}

// recoveryTimeout grows exponentially with the persisted recovery attempt
// count and is jittered so many recovering callers do not retry in lockstep.
func (b *Breaker) recoveryTimeout(attempts int64) time.Duration {
	d := float64(b.cfg.RecoveryTimeout) * math.Pow(b.cfg.BackoffMultiplier, float64(attempts))
	d = math.Min(d, float64(b.cfg.MaxRecoveryTimeout))
	jitter := 1 + b.cfg.BackoffJitter*(2*rand.Float64()-1)
	return time.Duration(d * jitter)
}

// Allow gates a call. When the shared state store is unreachable the breaker
// fails open: its own bookkeeping must not become a second point of total
// failure.
func (b *Breaker) Allow(ctx context.Context) error {
	st, err := b.store.Load(ctx, b.service)
	if err != nil {
		b.failOpen(ctx, err)
		return nil
	}
	allowed, _, retryAfter, err := b.store.Gate(ctx, b.service, b.recoveryTimeout(st.RecoveryAttempts))
	if err != nil {
		b.failOpen(ctx, err)
		return nil
	}
	if !allowed {
		stateCounter.Inc(b.service, "short_circuit")
		return &define.CircuitOpenError{Service: b.service, RetryAfter: retryAfter}
	}
	return nil
}

// Record feeds an outcome into the shared state. Transition decisions happen
// inside the store's atomic update.
func (b *Breaker) Record(ctx context.Context, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	stateCounter.Inc(b.service, outcome)

	_, err := b.store.Record(ctx, b.service, success, b.cfg.FailureThreshold, b.cfg.SuccessThreshold)
	if err != nil {
		logutil.Logger(ctx).Sugar().Warnf("breaker record failed : service(%s), error(%v)", b.service, err)
	}
}

// Execute runs op under the breaker: gate, invoke, record.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) (err error) {
	defer execTimer.Timer()(b.service, metrics.Status(err))

	if err = b.Allow(ctx); err != nil {
		return err
	}
	err = op(ctx)
	b.Record(ctx, err == nil)
	return err
}

func (b *Breaker) failOpen(ctx context.Context, cause error) {
	failOpenCounter.Inc(b.service)
	logutil.Logger(ctx).Sugar().Warnf("breaker store unreachable, failing open : service(%s), error(%v)", b.service, cause)
}

func (b *Breaker) GetMetrics(ctx context.Context) (*define.BreakerMetrics, error) {
	st, err := b.store.Load(ctx, b.service)
	if err != nil {
		return nil, err
	}
	m := &define.BreakerMetrics{
		Service:              b.service,
		State:                st.State,
		Failures:             st.Failures,
		Successes:            st.Successes,
		ConsecutiveFailures:  st.ConsecutiveFailures,
		ConsecutiveSuccesses: st.ConsecutiveSuccesses,
		RecoveryAttempts:     st.RecoveryAttempts,
		Availability:         st.Availability(),
	}
	if st.State == define.BreakerOpen && !st.LastFailureTime.IsZero() {
		elapsed := time.Since(st.LastFailureTime)
		recovery := b.recoveryTimeout(st.RecoveryAttempts)
		if recovery > elapsed {
			m.NextRetryIn = recovery - elapsed
		}
	}
	return m, nil
}

// GetHealth derives a coarse health status from state plus availability.
func (b *Breaker) GetHealth(ctx context.Context) (*define.BreakerHealth, error) {
	st, err := b.store.Load(ctx, b.service)
	if err != nil {
		return nil, err
	}
	health := &define.BreakerHealth{
		Service:      b.service,
		State:        st.State,
		Availability: st.Availability(),
		CheckedAt:    time.Now(),
	}
	switch {
	case st.State == define.BreakerOpen:
		health.Status = define.HealthUnhealthy
	case st.State == define.BreakerHalfOpen || health.Availability < 0.95:
		health.Status = define.HealthDegraded
	default:
		health.Status = define.HealthHealthy
	}
	return health, nil
}

// Reset returns the breaker to a fresh CLOSED state with zeroed counters.
func (b *Breaker) Reset(ctx context.Context) error {
	stateCounter.Inc(b.service, "reset")
	return b.store.Reset(ctx, b.service)
}

// ForceOpen is an operator override; the circuit stays shut for a full
// recovery timeout from now.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	stateCounter.Inc(b.service, "force_open")
	return b.store.ForceState(ctx, b.service, define.BreakerOpen)
}

func (b *Breaker) ForceClose(ctx context.Context) error {
	stateCounter.Inc(b.service, "force_close")
	return b.store.ForceState(ctx, b.service, define.BreakerClosed)
}
