// Package degrade composes the timeout guard and the circuit breaker with
// ordered fallback strategies, so callers get an answer, a degraded answer,
// or a classified failure instead of hanging on a sick dependency.
package degrade

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/code-craka/upi-payment-app-sub000/breaker"
	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

var (
	degradeCounter = metrics.NewCounterVec("role", "degrade", "outcome", "degradation outcomes", []string{"op", "outcome"})
)

// Strategy is a stateless fallback descriptor; lower priority runs first.
// CanRetry marks a strategy safe to run again on timeout retry passes;
// one-shot strategies are tried only on the first pass.
type Strategy struct {
	Name     string
	Priority int
	CanRetry bool
	Execute  func(ctx context.Context) (interface{}, error)
}

// OperationConfig identifies the guarded operation and its timeout class.
type OperationConfig struct {
	Name    string
	Service string
	Class   string
}

type Options struct {
	Config               OperationConfig
	Strategies           []Strategy
	EnableCircuitBreaker bool
	RetryOnTimeout       bool
	MaxRetries           int
	CacheResult          bool
	CacheTTL             time.Duration
}

type cachedResult struct {
	value   interface{}
	expires time.Time
}

// Engine instances are injected where needed; lifecycle belongs to the
// application, not to a package global.
type Engine struct {
	policy   *timeout.Policy
	breakers *breaker.Registry
	trend    cache.TrendStore
	results  *lru.Cache
}

func NewEngine(policy *timeout.Policy, breakers *breaker.Registry, trend cache.TrendStore, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	results, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		policy:   policy,
		breakers: breakers,
		trend:    trend,
		results:  results,
	}, nil
}

// Execute runs op under the configured protections. The failure path walks
// fallback strategies in priority order, then the emergency result cache,
// then bounded timeout retries, before the original error propagates.
func (e *Engine) Execute(ctx context.Context, opts Options, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	name := opts.Config.Name

	var brk *breaker.Breaker
	if opts.EnableCircuitBreaker && opts.Config.Service != "" && e.breakers != nil {
		brk = e.breakers.Get(opts.Config.Service)
	}

	if brk != nil {
		if err := brk.Allow(ctx); err != nil {
			degradeCounter.Inc(name, "circuit_open")
			// open circuit: skip the primary entirely
			if v, ferr := e.ExecuteFallbackStrategies(ctx, name, opts.Strategies); ferr == nil {
				return v, nil
			}
			if v, ok := e.cachedFor(name); ok {
				degradeCounter.Inc(name, "emergency_cache")
				return v, nil
			}
			return nil, err
		}
	}

	d := e.policy.For(opts.Config.Service, opts.Config.Class)
	start := time.Now()
	value, err := timeout.WithTimeout(ctx, name, d, op, nil)
	elapsed := time.Since(start)

	if brk != nil {
		brk.Record(ctx, err == nil)
	}
	e.observe(ctx, name, elapsed, err == nil)

	if err == nil {
		if opts.CacheResult {
			e.cacheResult(name, value, opts.CacheTTL)
		}
		degradeCounter.Inc(name, "ok")
		return value, nil
	}

	if define.IsTimeout(err) {
		degradeCounter.Inc(name, "timeout")
	}

	if fallbackWorthy(err) && len(opts.Strategies) > 0 {
		if v, ferr := e.ExecuteFallbackStrategies(ctx, name, opts.Strategies); ferr == nil {
			if opts.CacheResult {
				e.cacheResult(name, v, opts.CacheTTL)
			}
			return v, nil
		}
		if v, ok := e.cachedFor(name); ok {
			degradeCounter.Inc(name, "emergency_cache")
			return v, nil
		}
	}

	if opts.RetryOnTimeout && define.IsTimeout(err) && opts.MaxRetries > 0 {
		degradeCounter.Inc(name, "timeout_retry")
		retry := opts
		retry.MaxRetries--
		retry.Strategies = retryableOnly(opts.Strategies)
		return e.Execute(ctx, retry, op)
	}

	degradeCounter.Inc(name, "failed")
	return nil, err
}

// ExecuteFallbackStrategies tries each strategy in ascending priority order
// and returns the first success; strategies after it are not invoked.
func (e *Engine) ExecuteFallbackStrategies(ctx context.Context, op string, strategies []Strategy) (interface{}, error) {
	if len(strategies) == 0 {
		return nil, errors.New("no fallback strategies")
	}
	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var lastErr error
	for _, st := range ordered {
		v, err := st.Execute(ctx)
		if err == nil {
			degradeCounter.Inc(op, "fallback_ok")
			logutil.Logger(ctx).Sugar().Infof("fallback served : op(%s), strategy(%s)", op, st.Name)
			return v, nil
		}
		degradeCounter.Inc(op, "fallback_failed")
		lastErr = err
	}
	return nil, lastErr
}

func retryableOnly(strategies []Strategy) []Strategy {
	out := make([]Strategy, 0, len(strategies))
	for _, st := range strategies {
		if st.CanRetry {
			out = append(out, st)
		}
	}
	return out
}

func (e *Engine) cacheResult(op string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	e.results.Add(op, cachedResult{value: value, expires: time.Now().Add(ttl)})
}

func (e *Engine) cachedFor(op string) (interface{}, bool) {
	raw, ok := e.results.Get(op)
	if !ok {
		return nil, false
	}
	cached := raw.(cachedResult)
	if time.Now().After(cached.expires) {
		e.results.Remove(op)
		return nil, false
	}
	return cached.value, true
}

func (e *Engine) observe(ctx context.Context, op string, d time.Duration, success bool) {
	if e.trend == nil {
		return
	}
	if err := e.trend.Observe(ctx, op, d, success); err != nil {
		logutil.Logger(ctx).Sugar().Debugf("trend observe failed : op(%s), error(%v)", op, err)
	}
}

var transientSignatures = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"unavailable",
	"econnrefused",
	"broken pipe",
	"http code is 5",
}

// fallbackWorthy classifies failures that degraded serving can paper over;
// caller errors and hard conflicts are not among them.
func fallbackWorthy(err error) bool {
	if err == nil {
		return false
	}
	if define.IsTimeout(err) {
		return true
	}
	if errors.Is(err, define.ErrUnavailable) || errors.Is(err, define.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
